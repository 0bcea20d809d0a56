package applicant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wfounders/clubwallet/internal/clock"
	"github.com/wfounders/clubwallet/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	open   bool
	events []protocol.Event
}

func (s *fakeSender) Send(ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSender) sent() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

type fakeDirectory struct {
	status    protocol.ApprovalStatus
	statusErr error
	roster    []protocol.Candidate
	rosterErr error
	calls     int
}

func (d *fakeDirectory) IsApproved(ctx context.Context, address string) (protocol.ApprovalStatus, error) {
	return d.status, d.statusErr
}

func (d *fakeDirectory) NewUsers(ctx context.Context) ([]protocol.Candidate, error) {
	d.calls++
	return d.roster, d.rosterErr
}

var testRoster = []protocol.Candidate{
	{Name: "Alice Smith", Email: "alice@x.io", Address: "0xA1"},
	{Name: "Bob Jones", Email: "bob@x.io", Address: "0xB2"},
	{Name: "José Núñez", Email: "jose@x.io", Address: "0xC3"},
}

const selfAddr = "0xNEW"

type harness struct {
	m      *Machine
	sender *fakeSender
	dir    *fakeDirectory
	clock  *clock.Fake
	views  []View
}

func newHarness(t *testing.T, status protocol.ApprovalStatus) *harness {
	t.Helper()
	h := &harness{
		sender: &fakeSender{open: true},
		dir:    &fakeDirectory{status: status, roster: testRoster},
		clock:  clock.NewFake(time.Unix(1700000000, 0)),
	}
	h.m = New(h.sender, Options{
		Address:       selfAddr,
		Directory:     h.dir,
		Clock:         h.clock,
		DisplayDelay:  5 * time.Second,
		WaitTimeout:   10 * time.Minute,
		ExplorerTxURL: "https://amoy.polygonscan.com/tx/",
		QRServiceURL:  "https://qr.example/?data=",
		OnChange:      func(v View) { h.views = append(h.views, v) },
	})
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func (h *harness) confirm(t *testing.T, query string) {
	t.Helper()
	h.m.Search(query)
	if !h.m.Confirm() {
		t.Fatalf("Confirm(%q) returned false", query)
	}
}

func TestStart_SeedsPhaseFromStatus(t *testing.T) {
	cases := []struct {
		status protocol.ApprovalStatus
		phase  Phase
	}{
		{protocol.StatusUnregistered, PhaseSelecting},
		{protocol.StatusUnapproved, PhaseSelecting},
		{protocol.StatusWaiting, PhaseWaiting},
		{protocol.StatusApproved, PhaseApproved},
	}
	for _, tc := range cases {
		h := newHarness(t, tc.status)
		v := h.m.View()
		if v.Status != tc.status || v.Phase != tc.phase {
			t.Errorf("status %v: got (%v, %s), want phase %s", tc.status, v.Status, v.Phase, tc.phase)
		}
		if h.dir.calls != 1 {
			t.Errorf("roster fetched %d times, want 1", h.dir.calls)
		}
	}
}

func TestStart_RosterFailureShownInline(t *testing.T) {
	dir := &fakeDirectory{status: protocol.StatusUnregistered, rosterErr: errors.New("boom")}
	m := New(&fakeSender{open: true}, Options{Address: selfAddr, Directory: dir, Clock: clock.NewFake(time.Now())})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected roster error")
	}
	v := m.View()
	if v.Error != "Failed to fetch users." {
		t.Errorf("Error = %q", v.Error)
	}
	if v.Phase != PhaseSelecting {
		t.Errorf("Phase = %s", v.Phase)
	}
	if got := m.Search("alice"); len(got.Matches) != 0 {
		t.Errorf("empty roster matched %v", got.Matches)
	}
}

func TestStart_StatusFailureTreatedAsUnregistered(t *testing.T) {
	dir := &fakeDirectory{statusErr: errors.New("down"), roster: testRoster}
	m := New(&fakeSender{open: true}, Options{Address: selfAddr, Directory: dir, Clock: clock.NewFake(time.Now())})
	m.Start(context.Background())

	v := m.View()
	if v.Status != protocol.StatusUnregistered || v.Phase != PhaseSelecting {
		t.Errorf("got (%v, %s)", v.Status, v.Phase)
	}
}

func TestOnOpen_RegistersOwnAddress(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.m.OnOpen()

	sent := h.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d events", len(sent))
	}
	if reg, ok := sent[0].(protocol.RegisterSession); !ok || reg.Address != selfAddr {
		t.Errorf("sent %#v", sent[0])
	}
}

func TestSearch_ConfirmRequiresUniqueMatch(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)

	v := h.m.Search("o")
	if len(v.Matches) != 2 || v.CanConfirm {
		t.Fatalf("ambiguous query: %d matches, CanConfirm=%v", len(v.Matches), v.CanConfirm)
	}
	if h.m.Confirm() {
		t.Fatal("Confirm succeeded with two matches")
	}

	v = h.m.Search("   ")
	if len(v.Matches) != 0 || v.CanConfirm {
		t.Fatal("blank query should match nothing")
	}

	v = h.m.Search("jose")
	if !v.CanConfirm || v.Matches[0].Address != "0xC3" {
		t.Fatalf("diacritic-insensitive match failed: %+v", v.Matches)
	}
	if len(h.sender.sent()) != 0 {
		t.Fatal("nothing should be sent before Confirm")
	}
}

func TestConfirm_SendsRequestAndShowsQR(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "ali")

	sent := h.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d events", len(sent))
	}
	req, ok := sent[0].(protocol.WaitingForApproval)
	if !ok {
		t.Fatalf("sent %T", sent[0])
	}
	want := protocol.WaitingForApproval{NewAddress: selfAddr, Name: "Alice Smith", Email: "alice@x.io", Address: "0xA1"}
	if req != want {
		t.Errorf("request = %+v, want %+v", req, want)
	}

	v := h.m.View()
	if v.Status != protocol.StatusWaiting || v.Phase != PhaseWaiting {
		t.Errorf("got (%v, %s)", v.Status, v.Phase)
	}
	if !v.ShowQR || v.QRCodeURL != "https://qr.example/?data=0xNEW" {
		t.Errorf("QR: show=%v url=%q", v.ShowQR, v.QRCodeURL)
	}
	if v.Pending == nil || v.Pending.Candidate.Name != "Alice Smith" {
		t.Errorf("Pending = %+v", v.Pending)
	}
	if !strings.Contains(v.Message, "Alice Smith") {
		t.Errorf("Message = %q", v.Message)
	}
}

func TestConfirm_NotAllowedWhileWaitingOrApproved(t *testing.T) {
	for _, status := range []protocol.ApprovalStatus{protocol.StatusWaiting, protocol.StatusApproved} {
		h := newHarness(t, status)
		h.m.Search("alice")
		if h.m.Confirm() {
			t.Errorf("Confirm allowed in %v", status)
		}
		if len(h.sender.sent()) != 0 {
			t.Errorf("status %v: sent %v", status, h.sender.sent())
		}
	}
}

func TestConfirm_DroppedSendKeepsState(t *testing.T) {
	h := newHarness(t, protocol.StatusUnapproved)
	h.sender.open = false

	h.m.Search("bob")
	if h.m.Confirm() {
		t.Fatal("Confirm reported success on a closed channel")
	}
	v := h.m.View()
	if v.Status != protocol.StatusUnapproved || v.Pending != nil {
		t.Errorf("state changed: %+v", v)
	}
}

func TestMinting_HidesQR(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")

	h.m.HandleEvent(protocol.MintingInProgress{Name: "Alice Smith"})
	v := h.m.View()
	if v.Phase != PhaseMinting || v.ShowQR {
		t.Errorf("phase=%s showQR=%v", v.Phase, v.ShowQR)
	}
	if v.Status != protocol.StatusWaiting {
		t.Errorf("Status = %v", v.Status)
	}
}

func TestApprovalSuccess_DisplaysHashThenApproves(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")
	h.m.HandleEvent(protocol.MintingInProgress{})

	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0xdeadbeef"})
	v := h.m.View()
	if v.Phase != PhaseConfirmed || v.Status != protocol.StatusWaiting {
		t.Fatalf("got (%v, %s)", v.Status, v.Phase)
	}
	if v.TxHash != "0xdeadbeef" || !strings.Contains(v.Message, "0xdeadbeef") {
		t.Errorf("hash not displayed: %+v", v)
	}
	if v.ExplorerURL != "https://amoy.polygonscan.com/tx/0xdeadbeef" {
		t.Errorf("ExplorerURL = %q", v.ExplorerURL)
	}
	if v.Pending != nil {
		t.Error("pending claim not cleared")
	}

	h.clock.Advance(4 * time.Second)
	if got := h.m.View().Status; got != protocol.StatusWaiting {
		t.Fatalf("status flipped early: %v", got)
	}

	h.clock.Advance(time.Second)
	v = h.m.View()
	if v.Status != protocol.StatusApproved || v.Phase != PhaseApproved {
		t.Fatalf("got (%v, %s) after delay", v.Status, v.Phase)
	}
}

func TestApprovalSuccess_DuplicateIgnored(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")

	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x1"})
	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x2"})
	if got := h.m.View().TxHash; got != "0x1" {
		t.Errorf("TxHash = %q", got)
	}

	h.clock.Advance(5 * time.Second)
	before := len(h.views)
	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x3"})
	if len(h.views) != before {
		t.Error("duplicate after approval produced a view change")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("%d timers still pending", h.clock.Pending())
	}
}

func TestApprovalSuccess_IgnoredWhenNotWaiting(t *testing.T) {
	h := newHarness(t, protocol.StatusUnapproved)
	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x1"})
	h.clock.Advance(time.Minute)

	if got := h.m.View().Status; got != protocol.StatusUnapproved {
		t.Errorf("Status = %v", got)
	}
}

func TestApprovalDenied_ReturnsToSelection(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "bob")

	h.m.HandleEvent(protocol.ApprovalDenied{Address: selfAddr})
	v := h.m.View()
	if v.Status != protocol.StatusUnapproved || v.Phase != PhaseSelecting || v.Pending != nil {
		t.Fatalf("got %+v", v)
	}

	h.confirm(t, "alice")
	if h.m.View().Pending.Candidate.Address != "0xA1" {
		t.Error("second request not recorded")
	}
}

func TestWaitTimeout_RetryResends(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")

	h.clock.Advance(10 * time.Minute)
	v := h.m.View()
	if v.Phase != PhaseTimedOut || v.Status != protocol.StatusWaiting {
		t.Fatalf("got (%v, %s)", v.Status, v.Phase)
	}
	if !v.ShowQR {
		t.Error("QR should stay visible while timed out")
	}

	if !h.m.Retry() {
		t.Fatal("Retry returned false")
	}
	sent := h.sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d events", len(sent))
	}
	if sent[1] != sent[0] {
		t.Errorf("retry sent %+v, want %+v", sent[1], sent[0])
	}
	if got := h.m.View().Phase; got != PhaseWaiting {
		t.Errorf("Phase = %s", got)
	}

	h.clock.Advance(9 * time.Minute)
	if got := h.m.View().Phase; got != PhaseWaiting {
		t.Errorf("timer not re-armed: %s", got)
	}
}

func TestWaitTimeout_LateSuccessStillHonoured(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")
	h.clock.Advance(10 * time.Minute)

	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0xlate"})
	h.clock.Advance(5 * time.Second)
	if got := h.m.View().Status; got != protocol.StatusApproved {
		t.Errorf("Status = %v", got)
	}
}

func TestWaitTimeout_SuccessCancelsTimer(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")
	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x1"})

	h.clock.Advance(time.Hour)
	if got := h.m.View().Phase; got != PhaseApproved {
		t.Errorf("Phase = %s", got)
	}
}

func TestRetry_WithoutContextReopensSelection(t *testing.T) {
	h := newHarness(t, protocol.StatusWaiting)
	h.clock.Advance(10 * time.Minute)
	if got := h.m.View().Phase; got != PhaseTimedOut {
		t.Fatalf("Phase = %s", got)
	}

	if !h.m.Retry() {
		t.Fatal("Retry returned false")
	}
	if got := h.m.View().Phase; got != PhaseSelecting {
		t.Fatalf("Phase = %s", got)
	}
	h.confirm(t, "bob")
	if len(h.sender.sent()) != 1 {
		t.Error("request not sent")
	}
}

func TestRetry_OnlyWhenTimedOut(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	if h.m.Retry() {
		t.Error("Retry allowed before any request")
	}
	h.confirm(t, "alice")
	if h.m.Retry() {
		t.Error("Retry allowed while waiting")
	}
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(t, protocol.StatusUnregistered)
	h.confirm(t, "alice")
	h.m.HandleEvent(protocol.ApprovalSuccess{TxHash: "0x1"})

	h.m.Close()
	h.clock.Advance(time.Hour)
	if got := h.m.View().Status; got == protocol.StatusApproved {
		t.Error("approval applied after Close")
	}
}

func TestQRCodeURL(t *testing.T) {
	if got := QRCodeURL("https://q/?data=", "0xAb"); got != "https://q/?data=0xAb" {
		t.Errorf("got %q", got)
	}
	if got := QRCodeURL("", "0xAb"); got != "" {
		t.Errorf("got %q", got)
	}
}
