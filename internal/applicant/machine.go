// Package applicant drives the new member's side of the onboarding
// handshake: roster selection, the approval request, and the wait for the
// relay's mint confirmation.
package applicant

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wfounders/clubwallet/internal/clock"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/matcher"
	"github.com/wfounders/clubwallet/internal/protocol"
)

// Sender is the outbound half of the session channel.
type Sender interface {
	Send(ev protocol.Event) bool
}

// Directory is the relay's REST boundary.
type Directory interface {
	IsApproved(ctx context.Context, address string) (protocol.ApprovalStatus, error)
	NewUsers(ctx context.Context) ([]protocol.Candidate, error)
}

// Phase refines ApprovalStatus for display.
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseSelecting Phase = "selecting"
	PhaseWaiting   Phase = "waiting"
	PhaseMinting   Phase = "minting"
	PhaseConfirmed Phase = "confirmed"
	PhaseApproved  Phase = "approved"
	PhaseTimedOut  Phase = "timed_out"
)

const (
	msgRosterFailed = "Failed to fetch users."
	msgStatusFailed = "Failed to check approval status."
)

// PendingClaim is the request this device has in flight. It lives only in
// memory.
type PendingClaim struct {
	Candidate   protocol.Candidate
	RequestedAt time.Time
}

// View is a snapshot of everything a screen needs to render.
type View struct {
	Address     string
	Status      protocol.ApprovalStatus
	Phase       Phase
	Query       string
	Matches     []protocol.Candidate
	CanConfirm  bool
	Pending     *PendingClaim
	ShowQR      bool
	QRCodeURL   string
	TxHash      string
	ExplorerURL string
	Message     string
	Error       string
}

// Options configures a Machine.
type Options struct {
	Address       string
	Directory     Directory
	Clock         clock.Clock
	Logger        *logging.Logger
	DisplayDelay  time.Duration
	WaitTimeout   time.Duration
	ExplorerTxURL string
	QRServiceURL  string
	OnChange      func(View)
}

// Machine is the applicant state machine. Channel events and user actions
// may arrive on different goroutines; a mutex serializes them.
type Machine struct {
	opts   Options
	sender Sender
	clock  clock.Clock
	logger *logging.Logger

	mu       sync.Mutex
	status   protocol.ApprovalStatus
	phase    Phase
	roster   []protocol.Candidate
	result   matcher.Result
	pending  *PendingClaim
	resubmit bool
	txHash   string
	message  string
	errMsg   string

	waitTimer    clock.Timer
	waitGen      int
	displayTimer clock.Timer
	closed       bool
}

// New creates a machine bound to sender. Call Start to seed it.
func New(sender Sender, opts Options) *Machine {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Machine{
		opts:   opts,
		sender: sender,
		clock:  c,
		logger: logger.With(map[string]interface{}{"role": "applicant", "address": opts.Address}),
		status: protocol.StatusUnregistered,
		phase:  PhaseLoading,
	}
}

// Start seeds the status from the relay and fetches the roster once.
// Failures are rendered inline; the first one is also returned.
func (m *Machine) Start(ctx context.Context) error {
	status, statusErr := m.opts.Directory.IsApproved(ctx, m.opts.Address)
	if statusErr != nil {
		m.logger.Error("Approval status lookup failed", statusErr, nil)
	}

	roster, rosterErr := m.opts.Directory.NewUsers(ctx)
	if rosterErr != nil {
		m.logger.Error("Error fetching users", rosterErr, nil)
	}

	m.update(func() bool {
		if statusErr != nil {
			m.status = protocol.StatusUnregistered
			m.errMsg = msgStatusFailed
		} else {
			m.status = status
		}

		if rosterErr != nil {
			m.errMsg = msgRosterFailed
		} else {
			m.roster = roster
		}

		switch m.status {
		case protocol.StatusApproved:
			m.phase = PhaseApproved
		case protocol.StatusWaiting:
			m.phase = PhaseWaiting
			m.armWaitLocked()
		default:
			m.phase = PhaseSelecting
		}
		return true
	})

	if statusErr != nil {
		return statusErr
	}
	return rosterErr
}

// OnOpen binds this channel to the applicant's address on the relay. Wire
// it to the session client's open hook so reconnects re-register.
func (m *Machine) OnOpen() {
	m.sender.Send(protocol.RegisterSession{Address: m.opts.Address})
}

// Search filters the roster by free text.
func (m *Machine) Search(text string) View {
	m.update(func() bool {
		m.result = matcher.Match(text, m.roster)
		return true
	})
	return m.View()
}

// Confirm submits the uniquely matched candidate. It does nothing unless
// exactly one candidate matches, the applicant may request approval and
// the channel accepted the envelope.
func (m *Machine) Confirm() bool {
	sent := false
	m.update(func() bool {
		if !m.canConfirmLocked() {
			return false
		}
		selected, _ := m.result.Selected()
		if !m.sendRequestLocked(selected) {
			return false
		}
		m.resubmit = false
		sent = true
		return true
	})
	return sent
}

// Retry re-sends a request that timed out. When the request context was
// lost (the status came from the relay after a reload) it reopens
// selection instead.
func (m *Machine) Retry() bool {
	ok := false
	m.update(func() bool {
		if m.phase != PhaseTimedOut {
			return false
		}
		if m.pending == nil {
			m.resubmit = true
			m.phase = PhaseSelecting
			m.message = "Select your name to send a new request."
			ok = true
			return true
		}
		ok = m.sendRequestLocked(m.pending.Candidate)
		return ok
	})
	return ok
}

// HandleEvent applies one relay envelope. Unrelated kinds are ignored and
// duplicates are harmless.
func (m *Machine) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.MintingInProgress:
		m.update(func() bool {
			if m.status != protocol.StatusWaiting || m.phase == PhaseMinting || m.phase == PhaseConfirmed {
				return false
			}
			m.phase = PhaseMinting
			if e.Name != "" {
				m.message = "Minting membership NFT for " + e.Name + "..."
			} else {
				m.message = "Minting membership NFT..."
			}
			m.armWaitLocked()
			return true
		})

	case protocol.ApprovalSuccess:
		m.update(func() bool {
			if m.status != protocol.StatusWaiting || m.phase == PhaseConfirmed {
				return false
			}
			m.stopWaitLocked()
			m.pending = nil
			m.txHash = e.TxHash
			m.phase = PhaseConfirmed
			m.message = "Approved! Transaction " + e.TxHash
			m.errMsg = ""
			m.displayTimer = m.clock.AfterFunc(m.opts.DisplayDelay, m.finishApproval)
			return true
		})

	case protocol.ApprovalDenied:
		m.update(func() bool {
			if m.status != protocol.StatusWaiting || m.phase == PhaseConfirmed {
				return false
			}
			m.stopWaitLocked()
			m.pending = nil
			m.status = protocol.StatusUnapproved
			m.phase = PhaseSelecting
			m.message = "Your request was declined. Select your name to try again."
			return true
		})

	default:
		m.logger.Debug("Ignoring event", map[string]interface{}{"event": string(ev.EventName())})
	}
}

// View returns the current snapshot.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// Close stops all timers. Pending state is discarded.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopWaitLocked()
	if m.displayTimer != nil {
		m.displayTimer.Stop()
	}
}

func (m *Machine) finishApproval() {
	m.update(func() bool {
		if m.closed || m.phase != PhaseConfirmed {
			return false
		}
		m.status = protocol.StatusApproved
		m.phase = PhaseApproved
		return true
	})
}

func (m *Machine) onWaitTimeout(gen int) {
	m.update(func() bool {
		if m.closed || gen != m.waitGen || m.status != protocol.StatusWaiting {
			return false
		}
		if m.phase != PhaseWaiting && m.phase != PhaseMinting {
			return false
		}
		m.phase = PhaseTimedOut
		m.message = "No answer from the club yet. You can retry."
		m.logger.Warn("Approval request timed out", nil)
		return true
	})
}

func (m *Machine) canConfirmLocked() bool {
	if !m.status.CanRequest() && !m.resubmit {
		return false
	}
	return m.result.Unique()
}

func (m *Machine) sendRequestLocked(c protocol.Candidate) bool {
	ok := m.sender.Send(protocol.WaitingForApproval{
		NewAddress: m.opts.Address,
		Name:       c.Name,
		Email:      c.Email,
		Address:    c.Address,
	})
	if !ok {
		m.logger.Warn("Approval request not sent, channel not open", nil)
		return false
	}

	m.status = protocol.StatusWaiting
	m.phase = PhaseWaiting
	m.pending = &PendingClaim{Candidate: c, RequestedAt: m.clock.Now()}
	m.message = "Waiting for approval for " + c.Name
	m.errMsg = ""
	m.armWaitLocked()
	return true
}

func (m *Machine) armWaitLocked() {
	m.stopWaitLocked()
	if m.opts.WaitTimeout <= 0 {
		return
	}
	m.waitGen++
	gen := m.waitGen
	m.waitTimer = m.clock.AfterFunc(m.opts.WaitTimeout, func() { m.onWaitTimeout(gen) })
}

func (m *Machine) stopWaitLocked() {
	if m.waitTimer != nil {
		m.waitTimer.Stop()
		m.waitTimer = nil
	}
	m.waitGen++
}

func (m *Machine) viewLocked() View {
	v := View{
		Address:   m.opts.Address,
		Status:    m.status,
		Phase:     m.phase,
		Query:     m.result.Input,
		QRCodeURL: QRCodeURL(m.opts.QRServiceURL, m.opts.Address),
		TxHash:    m.txHash,
		Message:   m.message,
		Error:     m.errMsg,
	}
	if len(m.result.Matches) > 0 {
		v.Matches = append([]protocol.Candidate(nil), m.result.Matches...)
	}
	if m.pending != nil {
		p := *m.pending
		v.Pending = &p
	}
	if m.phase == PhaseSelecting {
		v.CanConfirm = m.canConfirmLocked()
	}
	v.ShowQR = m.phase == PhaseWaiting || m.phase == PhaseTimedOut
	if m.txHash != "" && m.opts.ExplorerTxURL != "" {
		v.ExplorerURL = strings.TrimRight(m.opts.ExplorerTxURL, "/") + "/" + m.txHash
	}
	return v
}

// update runs fn under the lock and publishes the new view if fn reports
// a change.
func (m *Machine) update(fn func() bool) {
	m.mu.Lock()
	changed := fn()
	v := m.viewLocked()
	m.mu.Unlock()

	if changed && m.opts.OnChange != nil {
		m.opts.OnChange(v)
	}
}

// QRCodeURL returns the image URL that renders address as a QR code. The
// payload is the bare address.
func QRCodeURL(serviceURL, address string) string {
	if serviceURL == "" || address == "" {
		return ""
	}
	return serviceURL + url.QueryEscape(address)
}
