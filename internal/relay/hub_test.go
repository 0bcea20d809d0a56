package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfounders/clubwallet/internal/protocol"
)

// request has the applicant register and submit a claim for Alice.
func request(t *testing.T, ts *testServer, applicant *websocket.Conn, address string) {
	t.Helper()
	send(t, applicant, protocol.RegisterSession{Address: address})
	send(t, applicant, protocol.WaitingForApproval{NewAddress: address, Name: "Alice", Email: "alice@x.io", Address: "0xA1"})
	waitFor(t, "request stored", func() bool { return ts.status(address) == protocol.StatusWaiting })
}

func TestHub_LookupUnknownAddress(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	oracle := ts.dial(t, "")

	send(t, oracle, protocol.GetUserInfo{Address: "0xNOBODY"})
	if ev := expect(t, oracle); ev.EventName() != protocol.EventUserInfoNotFound {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_LookupWaitingRequest(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	applicant := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	send(t, oracle, protocol.GetUserInfo{Address: "0xnew"})
	want := protocol.UserInfo{Name: "Alice", Email: "alice@x.io", Address: "0xA1"}
	if ev := expect(t, oracle); ev != want {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_ApproveMintsOnceAndNotifiesBoth(t *testing.T) {
	minter := &fakeMinter{hash: "0xdeadbeef", release: make(chan struct{})}
	ts := newTestServer(t, minter, "")
	applicant := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	send(t, oracle, protocol.RegisterSession{Address: "0xNEW"})
	waitFor(t, "oracle bound", func() bool { return ts.hub.Registry().Count("0xNEW") == 2 })

	send(t, oracle, protocol.ApproveUser{Address: "0xNEW"})
	send(t, oracle, protocol.ApproveUser{Address: "0xNEW"})

	for name, conn := range map[string]*websocket.Conn{"applicant": applicant, "oracle": oracle} {
		if ev, ok := expect(t, conn).(protocol.MintingInProgress); !ok || ev.Name != "Alice" {
			t.Errorf("%s: got %#v", name, ev)
		}
	}

	close(minter.release)
	for name, conn := range map[string]*websocket.Conn{"applicant": applicant, "oracle": oracle} {
		if ev := expect(t, conn); ev != (protocol.ApprovalSuccess{TxHash: "0xdeadbeef"}) {
			t.Errorf("%s: got %#v", name, ev)
		}
	}

	if n := minter.callCount(); n != 1 {
		t.Errorf("minter called %d times", n)
	}
	if ts.status("0xNEW") != protocol.StatusApproved {
		t.Errorf("status = %v", ts.status("0xNEW"))
	}
	roster, _ := ts.store.Roster(context.Background())
	if len(roster) != 1 || roster[0].Name != "Bob" {
		t.Errorf("claimed candidate still on roster: %+v", roster)
	}
	expectNothing(t, applicant, 100*time.Millisecond)
}

func TestHub_UnregisteredApproverStillNotified(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	applicant := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	send(t, oracle, protocol.ApproveUser{Address: "0xNEW"})
	if ev := expect(t, oracle); ev.EventName() != protocol.EventMintingInProgress {
		t.Errorf("got %#v", ev)
	}
	if ev := expect(t, oracle); ev.EventName() != protocol.EventApprovalSuccess {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_MintFailureRevertsToWaiting(t *testing.T) {
	minter := &fakeMinter{err: errors.New("rpc down")}
	ts := newTestServer(t, minter, "")
	applicant := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	send(t, oracle, protocol.ApproveUser{Address: "0xNEW"})
	expect(t, applicant) // minting in progress

	waitFor(t, "mint to revert", func() bool {
		r, err := ts.store.Request(context.Background(), "0xNEW")
		return err == nil && !r.Minting
	})
	if ts.status("0xNEW") != protocol.StatusWaiting {
		t.Errorf("status = %v", ts.status("0xNEW"))
	}

	minter.setResult("0x2", nil)
	send(t, oracle, protocol.ApproveUser{Address: "0xNEW"})
	if ev := expect(t, applicant); ev.EventName() != protocol.EventMintingInProgress {
		t.Errorf("retry: got %#v", ev)
	}
	if ev := expect(t, applicant); ev != (protocol.ApprovalSuccess{TxHash: "0x2"}) {
		t.Errorf("retry after failure: got %#v", ev)
	}
}

func TestHub_DenyReleasesApplicant(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	applicant := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	send(t, oracle, protocol.DenyUser{Address: "0xNEW"})
	if ev := expect(t, applicant); ev != (protocol.ApprovalDenied{Address: "0xnew"}) {
		t.Errorf("got %#v", ev)
	}
	if ts.status("0xNEW") != protocol.StatusUnapproved {
		t.Errorf("status = %v", ts.status("0xNEW"))
	}
}

func TestHub_UnknownCandidateDenied(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	applicant := ts.dial(t, "")

	send(t, applicant, protocol.WaitingForApproval{NewAddress: "0xNEW", Name: "Mallory", Email: "m@x.io"})
	if ev := expect(t, applicant); ev.EventName() != protocol.EventApprovalDenied {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_InvalidEnvelopeKeepsChannelOpen(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	conn := ts.dial(t, "")

	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"launch_rockets"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	send(t, conn, protocol.ApprovalSuccess{TxHash: "0xforged"})

	send(t, conn, protocol.GetUserInfo{Address: "0xNOBODY"})
	if ev := expect(t, conn); ev.EventName() != protocol.EventUserInfoNotFound {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_OracleTokenRequiredWhenConfigured(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "s3cret")
	applicant := ts.dial(t, "")
	request(t, ts, applicant, "0xNEW")

	// Without a token the channel is an applicant and oracle events are ignored.
	send(t, applicant, protocol.ApproveUser{Address: "0xNEW"})
	send(t, applicant, protocol.GetUserInfo{Address: "0xNEW"})
	expectNothing(t, applicant, 150*time.Millisecond)
	if ts.minter.callCount() != 0 {
		t.Fatal("unauthenticated approve reached the minter")
	}

	token, err := ts.issuer.GenerateToken("staff-1")
	if err != nil {
		t.Fatal(err)
	}
	oracle := ts.dial(t, token)
	send(t, oracle, protocol.GetUserInfo{Address: "0xNEW"})
	if ev := expect(t, oracle); ev.EventName() != protocol.EventUserInfo {
		t.Errorf("got %#v", ev)
	}
}

func TestHub_InvalidTokenRejected(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL()+"?token=forged", nil)
	if err == nil {
		t.Fatal("dial with forged token succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("resp = %v", resp)
	}
}

func TestHub_CloseUnbinds(t *testing.T) {
	ts := newTestServer(t, &fakeMinter{hash: "0x1"}, "")
	conn := ts.dial(t, "")
	send(t, conn, protocol.RegisterSession{Address: "0xNEW"})
	waitFor(t, "bind", func() bool { return ts.hub.Registry().Count("0xNEW") == 1 })

	conn.Close()
	waitFor(t, "unbind", func() bool { return ts.hub.Registry().Count("0xNEW") == 0 })
}

func TestHub_SecondAddressCannotClaimWaitingCandidate(t *testing.T) {
	minter := &fakeMinter{hash: "0x1"}
	ts := newTestServer(t, minter, "")
	first := ts.dial(t, "")
	second := ts.dial(t, "")
	oracle := ts.dial(t, "")
	request(t, ts, first, "0xNEW")

	send(t, second, protocol.WaitingForApproval{NewAddress: "0xOTHER", Name: "Alice", Email: "alice@x.io", Address: "0xA1"})
	if ev := expect(t, second); ev.EventName() != protocol.EventApprovalDenied {
		t.Fatalf("got %#v", ev)
	}
	if ts.status("0xOTHER") != protocol.StatusUnregistered {
		t.Errorf("second claim stored: %v", ts.status("0xOTHER"))
	}

	send(t, oracle, protocol.ApproveUser{Address: "0xOTHER"})
	send(t, oracle, protocol.GetUserInfo{Address: "0xOTHER"})
	if ev := expect(t, oracle); ev.EventName() != protocol.EventUserInfoNotFound {
		t.Errorf("got %#v", ev)
	}
	if n := minter.callCount(); n != 0 {
		t.Errorf("minter called %d times", n)
	}
}
