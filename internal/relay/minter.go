package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wfounders/clubwallet/internal/config"
)

// MintRequest asks for one membership NFT.
type MintRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// Minter submits the on-chain mint and returns the transaction hash.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
}

// NewMinter builds the minter selected by cfg.
func NewMinter(cfg config.MintConfig) (Minter, error) {
	switch cfg.Mode {
	case "", "dryrun":
		return &DryRunMinter{Delay: cfg.DryRunDelay}, nil
	case "http":
		return NewHTTPMinter(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown mint mode %q", cfg.Mode)
	}
}

// DryRunMinter pretends to mint and returns a random transaction hash.
type DryRunMinter struct {
	Delay time.Duration
}

func (m *DryRunMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate tx hash: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// HTTPMinter delegates to a mint service that owns the signing key.
type HTTPMinter struct {
	url        string
	httpClient *http.Client
}

// NewHTTPMinter creates a minter that POSTs to url.
func NewHTTPMinter(url string, timeout time.Duration) *HTTPMinter {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPMinter{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type mintResponse struct {
	TxHash string `json:"txHash"`
}

func (m *HTTPMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("mint service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode mint response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("mint service returned no txHash")
	}
	return out.TxHash, nil
}
