package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/wfounders/clubwallet/internal/config"
)

func TestDryRunMinter_ReturnsTxHash(t *testing.T) {
	m := &DryRunMinter{}
	hash, err := m.Mint(context.Background(), MintRequest{Address: "0xNEW"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !regexp.MustCompile(`^0x[0-9a-f]{64}$`).MatchString(hash) {
		t.Errorf("hash = %q", hash)
	}
}

func TestDryRunMinter_HonoursContext(t *testing.T) {
	m := &DryRunMinter{Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Mint(ctx, MintRequest{}); err == nil {
		t.Error("expected context error")
	}
}

func TestHTTPMinter(t *testing.T) {
	var got MintRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("got %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"txHash": "0xabc"})
	}))
	defer srv.Close()

	hash, err := NewHTTPMinter(srv.URL, time.Second).Mint(context.Background(), MintRequest{Address: "0xNEW", Name: "Alice", Email: "a@x.io"})
	if err != nil || hash != "0xabc" {
		t.Fatalf("Mint = %q, %v", hash, err)
	}
	if got.Address != "0xNEW" || got.Name != "Alice" || got.Email != "a@x.io" {
		t.Errorf("request body = %+v", got)
	}
}

func TestHTTPMinter_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "out of gas", http.StatusBadGateway)
		},
		"empty hash": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`nope`))
		},
	}
	for name, h := range cases {
		srv := httptest.NewServer(h)
		if _, err := NewHTTPMinter(srv.URL, time.Second).Mint(context.Background(), MintRequest{}); err == nil {
			t.Errorf("%s: expected error", name)
		}
		srv.Close()
	}
}

func TestNewMinter(t *testing.T) {
	if m, err := NewMinter(config.MintConfig{Mode: "dryrun"}); err != nil {
		t.Errorf("dryrun: %v", err)
	} else if _, ok := m.(*DryRunMinter); !ok {
		t.Errorf("dryrun: got %T", m)
	}
	if m, err := NewMinter(config.MintConfig{Mode: "http", URL: "http://mint"}); err != nil {
		t.Errorf("http: %v", err)
	} else if _, ok := m.(*HTTPMinter); !ok {
		t.Errorf("http: got %T", m)
	}
	if _, err := NewMinter(config.MintConfig{Mode: "chain"}); err == nil {
		t.Error("unknown mode accepted")
	}
}
