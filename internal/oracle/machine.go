// Package oracle drives the staff device: scan an applicant's address,
// look the member up on the relay, then approve or deny the mint.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wfounders/clubwallet/internal/clock"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/protocol"
)

// Sender is the outbound half of the session channel.
type Sender interface {
	Send(ev protocol.Event) bool
}

// State is the oracle's position in one scan session.
type State string

const (
	StateScanning     State = "scanning"
	StateLookingUp    State = "looking_up"
	StateUserFound    State = "user_found"
	StateUserNotFound State = "user_not_found"
	StateApproving    State = "approving"
	StateMinting      State = "minting"
	StateMintComplete State = "mint_complete"
	StateDenied       State = "denied"
	StateTimedOut     State = "timed_out"
)

// View is a snapshot of everything the staff screen renders.
type View struct {
	State       State
	Address     string
	User        *protocol.Candidate
	Status      string
	TxHash      string
	ExplorerURL string
	CanApprove  bool
	CanDeny     bool
}

// Options configures a Machine.
type Options struct {
	NewScanner     ScannerFactory
	Clock          clock.Clock
	Logger         *logging.Logger
	ApproveTimeout time.Duration
	// NotifyDeny makes Deny tell the relay so the applicant is released.
	NotifyDeny    bool
	ExplorerTxURL string
	OnChange      func(View)
}

// Machine is the oracle state machine. It exclusively owns the scanner.
type Machine struct {
	opts   Options
	sender Sender
	clock  clock.Clock
	logger *logging.Logger

	// scanMu serializes scanner replacement; mu guards the rest.
	scanMu   sync.Mutex
	stopping sync.WaitGroup

	mu          sync.Mutex
	state       State
	address     string
	user        *protocol.Candidate
	registered  bool
	approveSent bool
	txHash      string
	status      string
	scanner     Scanner
	scanGen     int
	timer       clock.Timer
	timerGen    int
	closed      bool
}

// New creates a machine bound to sender. Call Start to begin scanning.
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
		logger: logger.With(map[string]interface{}{"role": "oracle"}),
		state:  StateScanning,
	}
}

// Start opens the first scanner.
func (m *Machine) Start(ctx context.Context) error {
	return m.Restart(ctx)
}

// Restart discards the current scan session from any state and scans
// again. The previous scanner is fully stopped before a new one starts.
func (m *Machine) Restart(ctx context.Context) error {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	var old Scanner
	m.update(func() bool {
		old = m.scanner
		m.scanner = nil
		m.scanGen++
		m.resetLocked()
		m.state = StateScanning
		return true
	})
	if old != nil {
		old.Stop()
	}
	m.stopping.Wait()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	scanner := m.opts.NewScanner()
	m.scanner = scanner
	gen := m.scanGen
	m.mu.Unlock()

	if err := scanner.Start(ctx, func(text string) { m.onDecode(gen, text) }); err != nil {
		m.logger.Error("Failed to start scanner", err, nil)
		m.update(func() bool {
			if gen != m.scanGen {
				return false
			}
			m.scanner = nil
			m.status = "Camera unavailable. Restart to try again."
			return true
		})
		return fmt.Errorf("start scanner: %w", err)
	}
	return nil
}

// OnOpen restores the relay's view of the current scan after the channel
// (re)connects: the binding for the scanned address and, if a lookup was in
// flight, the lookup itself. Wire it to the session client's open hook.
func (m *Machine) OnOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.address == "" {
		return
	}
	switch m.state {
	case StateLookingUp:
		if m.sender.Send(protocol.GetUserInfo{Address: m.address}) {
			m.logger.Info("Lookup resent after reconnect", map[string]interface{}{"address": m.address})
		}
	case StateUserFound, StateApproving, StateMinting, StateTimedOut:
		m.registered = m.sender.Send(protocol.RegisterSession{Address: m.address})
		if m.registered {
			m.logger.Info("Re-registered after reconnect", map[string]interface{}{"address": m.address})
		}
	}
}

// Approve asks the relay to mint for the scanned member. It works once per
// scan session and only after the member was found.
func (m *Machine) Approve() bool {
	ok := false
	m.update(func() bool {
		if m.state != StateUserFound || m.approveSent {
			return false
		}
		if !m.sender.Send(protocol.ApproveUser{Address: m.address}) {
			m.logger.Warn("Approval not sent, channel not open", map[string]interface{}{"address": m.address})
			return false
		}
		m.approveSent = true
		m.state = StateApproving
		m.status = "Approving " + m.displayNameLocked() + "..."
		m.armTimerLocked()
		ok = true
		return true
	})
	return ok
}

// Deny rejects the scanned member and clears the scan. The relay is only
// told when NotifyDeny is set.
func (m *Machine) Deny() bool {
	ok := false
	m.update(func() bool {
		if m.state != StateUserFound || m.approveSent {
			return false
		}
		if m.opts.NotifyDeny {
			if !m.sender.Send(protocol.DenyUser{Address: m.address}) {
				m.logger.Warn("Denial not sent, channel not open", map[string]interface{}{"address": m.address})
			}
		}
		m.resetLocked()
		m.state = StateDenied
		m.status = "Request denied."
		ok = true
		return true
	})
	return ok
}

// HandleEvent applies one relay envelope. Events that do not fit the
// current state are ignored.
func (m *Machine) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.UserInfo:
		m.update(func() bool { return m.onUserInfoLocked(e) })

	case protocol.UserInfoNotFound:
		m.update(func() bool {
			if m.state != StateLookingUp {
				return false
			}
			m.state = StateUserNotFound
			m.status = "User not found"
			return true
		})

	case protocol.MintingInProgress:
		m.update(func() bool {
			switch m.state {
			case StateApproving, StateMinting:
			case StateTimedOut:
				// The relay is slow, not silent: the mint is still running.
				if !m.approveSent {
					return false
				}
				m.armTimerLocked()
			default:
				return false
			}
			changed := m.state != StateMinting
			m.state = StateMinting
			if e.Name != "" && m.user != nil && m.user.Name != e.Name {
				m.user.Name = e.Name
				changed = true
			}
			m.status = "Minting membership NFT for " + m.displayNameLocked() + "..."
			return changed
		})

	case protocol.ApprovalSuccess:
		m.update(func() bool {
			switch m.state {
			case StateApproving, StateMinting, StateTimedOut:
			default:
				return false
			}
			if !m.approveSent {
				return false
			}
			m.stopTimerLocked()
			m.state = StateMintComplete
			m.txHash = e.TxHash
			m.status = "Membership minted. Transaction " + e.TxHash
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

// Close stops the scanner and the timer.
func (m *Machine) Close() {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.mu.Lock()
	m.closed = true
	s := m.scanner
	m.scanner = nil
	m.scanGen++
	m.stopTimerLocked()
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
	m.stopping.Wait()
}

func (m *Machine) onDecode(gen int, text string) {
	var s Scanner
	m.update(func() bool {
		if m.closed || gen != m.scanGen || m.state != StateScanning {
			return false
		}
		address := strings.TrimSpace(text)
		if address == "" {
			return false
		}

		s = m.scanner
		m.scanner = nil
		m.scanGen++
		if s != nil {
			m.stopping.Add(1)
		}

		m.address = address
		m.state = StateLookingUp
		if m.sender.Send(protocol.GetUserInfo{Address: address}) {
			m.status = "Looking up " + address + "..."
		} else {
			m.logger.Warn("Lookup not sent, channel not open", map[string]interface{}{"address": address})
			m.status = "Not connected to the relay. Restart to scan again."
		}
		return true
	})

	if s != nil {
		s.Stop()
		m.stopping.Done()
	}
}

func (m *Machine) onUserInfoLocked(e protocol.UserInfo) bool {
	switch m.state {
	case StateLookingUp:
		m.user = &protocol.Candidate{Name: e.Name, Email: e.Email, Address: e.Address}
		m.state = StateUserFound
		m.status = "Found " + e.Name
		if !m.registered {
			m.registered = m.sender.Send(protocol.RegisterSession{Address: m.address})
		}
		return true

	case StateUserFound, StateApproving, StateMinting, StateMintComplete:
		if m.user == nil || (m.user.Name == e.Name && m.user.Email == e.Email) {
			return false
		}
		m.user.Name = e.Name
		m.user.Email = e.Email
		return true
	}
	return false
}

func (m *Machine) onTimeout(gen int) {
	m.update(func() bool {
		if m.closed || gen != m.timerGen {
			return false
		}
		if m.state != StateApproving && m.state != StateMinting {
			return false
		}
		m.state = StateTimedOut
		m.status = "No confirmation from the relay. Restart to scan again."
		m.logger.Warn("Approval timed out", map[string]interface{}{"address": m.address})
		return true
	})
}

func (m *Machine) resetLocked() {
	m.stopTimerLocked()
	m.address = ""
	m.user = nil
	m.registered = false
	m.approveSent = false
	m.txHash = ""
	m.status = ""
}

func (m *Machine) armTimerLocked() {
	m.stopTimerLocked()
	if m.opts.ApproveTimeout <= 0 {
		return
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(m.opts.ApproveTimeout, func() { m.onTimeout(gen) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Machine) displayNameLocked() string {
	if m.user != nil && m.user.Name != "" {
		return m.user.Name
	}
	return m.address
}

func (m *Machine) viewLocked() View {
	v := View{
		State:   m.state,
		Address: m.address,
		Status:  m.status,
		TxHash:  m.txHash,
	}
	if m.user != nil {
		u := *m.user
		v.User = &u
	}
	if m.state == StateUserFound && !m.approveSent {
		v.CanApprove = true
		v.CanDeny = true
	}
	if m.txHash != "" && m.opts.ExplorerTxURL != "" {
		v.ExplorerURL = strings.TrimRight(m.opts.ExplorerTxURL, "/") + "/" + m.txHash
	}
	return v
}

func (m *Machine) update(fn func() bool) {
	m.mu.Lock()
	changed := fn()
	v := m.viewLocked()
	m.mu.Unlock()

	if changed && m.opts.OnChange != nil {
		m.opts.OnChange(v)
	}
}
