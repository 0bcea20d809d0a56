package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/wfounders/clubwallet/internal/protocol"
)

type fakePeer struct {
	id   string
	fail bool

	mu     sync.Mutex
	events []protocol.Event
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(ev protocol.Event) error {
	if p.fail {
		return errors.New("broken pipe")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePeer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestRegistry_PushReachesEveryBoundPeer(t *testing.T) {
	r := NewRegistry()
	applicant := &fakePeer{id: "a"}
	oracle := &fakePeer{id: "o"}
	other := &fakePeer{id: "x"}

	r.Bind("0xNEW", applicant)
	r.Bind("0xnew", oracle)
	r.Bind("0xOTHER", other)

	if n := r.Push("0xNeW", protocol.ApprovalSuccess{TxHash: "0x1"}); n != 2 {
		t.Errorf("delivered to %d peers, want 2", n)
	}
	if applicant.received() != 1 || oracle.received() != 1 || other.received() != 0 {
		t.Errorf("received: applicant=%d oracle=%d other=%d", applicant.received(), oracle.received(), other.received())
	}
}

func TestRegistry_BindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "a"}
	r.Bind("0xNEW", p)
	r.Bind("0xNEW", p)

	if r.Count("0xNEW") != 1 {
		t.Errorf("Count = %d", r.Count("0xNEW"))
	}
	if r.Push("0xNEW", protocol.UserInfoNotFound{}) != 1 || p.received() != 1 {
		t.Error("duplicate bind delivered twice")
	}
}

func TestRegistry_UnbindRemovesAllAddresses(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{id: "o"}
	keep := &fakePeer{id: "a"}
	r.Bind("0xONE", p)
	r.Bind("0xTWO", p)
	r.Bind("0xONE", keep)

	r.Unbind(p)

	if r.IsBound("0xONE", p) || r.IsBound("0xTWO", p) {
		t.Error("peer still bound after Unbind")
	}
	if r.Count("0xONE") != 1 || r.Count("0xTWO") != 0 {
		t.Errorf("counts = %d, %d", r.Count("0xONE"), r.Count("0xTWO"))
	}
}

func TestRegistry_FailedWritesNotCounted(t *testing.T) {
	r := NewRegistry()
	r.Bind("0xNEW", &fakePeer{id: "dead", fail: true})
	r.Bind("0xNEW", &fakePeer{id: "live"})

	if n := r.Push("0xNEW", protocol.UserInfoNotFound{}); n != 1 {
		t.Errorf("delivered = %d", n)
	}
}

func TestRegistry_BlankAddressIgnored(t *testing.T) {
	r := NewRegistry()
	r.Bind("  ", &fakePeer{id: "a"})
	if r.Count("") != 0 {
		t.Error("blank address bound")
	}
}
