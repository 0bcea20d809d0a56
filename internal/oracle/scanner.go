package oracle

import (
	"context"
	"sync"
)

// Scanner is a camera QR reader. Start begins decoding and returns; onDecode
// runs on the scanner's own goroutine and may call Stop. Stop halts
// decoding and is idempotent.
type Scanner interface {
	Start(ctx context.Context, onDecode func(text string)) error
	Stop()
}

// ScannerFactory creates a fresh Scanner for each scan session.
type ScannerFactory func() Scanner

// LineScanner treats each line received from a shared feed as one decoded
// QR payload. It stands in for a camera on headless devices.
type LineScanner struct {
	lines <-chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// LineScannerFactory returns a factory whose scanners share one feed.
func LineScannerFactory(lines <-chan string) ScannerFactory {
	return func() Scanner { return &LineScanner{lines: lines} }
}

// Start consumes lines until Stop is called or the feed closes.
func (s *LineScanner) Start(ctx context.Context, onDecode func(text string)) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-s.lines:
				if !ok || ctx.Err() != nil {
					return
				}
				onDecode(line)
			}
		}
	}()
	return nil
}

// Stop halts the scanner.
func (s *LineScanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}
