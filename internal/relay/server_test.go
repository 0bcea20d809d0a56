package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfounders/clubwallet/internal/auth"
	"github.com/wfounders/clubwallet/internal/config"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/protocol"
	"github.com/wfounders/clubwallet/internal/store"
)

var testRoster = []protocol.Candidate{
	{Name: "Alice", Email: "alice@x.io", Address: "0xA1"},
	{Name: "Bob", Email: "bob@x.io", Address: "0xB2"},
}

// fakeMinter returns a fixed hash, optionally after release is closed.
type fakeMinter struct {
	hash    string
	err     error
	release chan struct{}

	mu    sync.Mutex
	calls []MintRequest
}

func (m *fakeMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	release := m.release
	m.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.hash, nil
}

func (m *fakeMinter) setResult(hash string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash = hash
	m.err = err
}

func (m *fakeMinter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type testServer struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	hub    *Hub
	minter *fakeMinter
	issuer *auth.Issuer
}

func newTestServer(t *testing.T, minter *fakeMinter, secret string) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.SeedCandidates(context.Background(), testRoster); err != nil {
		t.Fatal(err)
	}
	issuer := auth.NewIssuer(secret, time.Hour)
	logger := logging.Discard()

	hub := NewHub(HubOptions{Store: s, Minter: minter, Issuer: issuer, Logger: logger, MintTimeout: 5 * time.Second})
	api := NewAPIHandlers(s, logger)
	cors := config.Default().Relay.CORS
	srv := httptest.NewServer(WithCORS(cors, NewRouter(hub, api, logger, nil)))

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{srv: srv, store: s, hub: hub, minter: minter, issuer: issuer}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/"
}

func (ts *testServer) apiURL() string {
	return ts.srv.URL + "/api"
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := ts.wsURL()
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) status(address string) protocol.ApprovalStatus {
	s, _ := ts.store.Status(context.Background(), address)
	return s
}

func send(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

// expectNothing asserts that no envelope arrives within d.
func expectNothing(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected envelope %s", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
