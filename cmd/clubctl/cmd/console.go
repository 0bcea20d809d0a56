package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wfounders/clubwallet/internal/applicant"
	"github.com/wfounders/clubwallet/internal/oracle"
)

// readLines delivers trimmed stdin lines until ctx ends or input closes.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// splitCommand returns the first word lower-cased and the rest of the line.
func splitCommand(line string) (string, string) {
	word, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(word), strings.TrimSpace(rest)
}

// screen serializes writes from machine callbacks and the input loop.
type screen struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *screen) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *screen) applicantView(v applicant.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "[%s] status=%s\n", v.Phase, v.Status)
	if v.Error != "" {
		fmt.Fprintf(s.out, "  error: %s\n", v.Error)
	}
	if v.Message != "" {
		fmt.Fprintf(s.out, "  %s\n", v.Message)
	}
	if v.Phase == applicant.PhaseSelecting && v.Query != "" {
		if len(v.Matches) == 0 {
			fmt.Fprintf(s.out, "  no match for %q\n", v.Query)
		}
		for _, c := range v.Matches {
			fmt.Fprintf(s.out, "  - %s <%s>\n", c.Name, c.Email)
		}
		if v.CanConfirm {
			fmt.Fprintln(s.out, "  type 'confirm' to request approval")
		}
	}
	if v.ShowQR {
		fmt.Fprintf(s.out, "  show this to staff: %s\n", v.Address)
		if v.QRCodeURL != "" {
			fmt.Fprintf(s.out, "  QR code: %s\n", v.QRCodeURL)
		}
	}
	if v.ExplorerURL != "" {
		fmt.Fprintf(s.out, "  transaction: %s\n", v.ExplorerURL)
	}
}

func (s *screen) oracleView(v oracle.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "[%s]", v.State)
	if v.Address != "" {
		fmt.Fprintf(s.out, " %s", v.Address)
	}
	fmt.Fprintln(s.out)
	if v.User != nil {
		fmt.Fprintf(s.out, "  member: %s <%s>\n", v.User.Name, v.User.Email)
	}
	if v.Status != "" {
		fmt.Fprintf(s.out, "  %s\n", v.Status)
	}
	if v.CanApprove {
		fmt.Fprintln(s.out, "  type 'approve' or 'deny'")
	}
	if v.ExplorerURL != "" {
		fmt.Fprintf(s.out, "  transaction: %s\n", v.ExplorerURL)
	}
	if v.State == oracle.StateScanning {
		fmt.Fprintln(s.out, "  paste an address to scan")
	}
}
