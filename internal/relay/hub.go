package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wfounders/clubwallet/internal/auth"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/metrics"
	"github.com/wfounders/clubwallet/internal/middleware"
	"github.com/wfounders/clubwallet/internal/protocol"
	"github.com/wfounders/clubwallet/internal/store"
)

// HubOptions configures a Hub.
type HubOptions struct {
	Store       store.Store
	Minter      Minter
	Issuer      *auth.Issuer
	Logger      *logging.Logger
	MintTimeout time.Duration
}

// Hub accepts device channels and routes envelopes between them.
type Hub struct {
	store       store.Store
	minter      Minter
	issuer      *auth.Issuer
	logger      *logging.Logger
	registry    *Registry
	upgrader    websocket.Upgrader
	mintTimeout time.Duration

	active atomic.Int64
	connMu sync.Mutex
	conns  map[*peerConn]struct{}
	mints  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. Close it to cancel in-flight mints.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.MintTimeout <= 0 {
		opts.MintTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:    opts.Store,
		minter:   opts.Minter,
		issuer:   opts.Issuer,
		logger:   logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		mintTimeout: opts.MintTimeout,
		conns:       make(map[*peerConn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Registry exposes the address bindings.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Close closes every channel, cancels in-flight mints and waits for them
// to settle.
func (h *Hub) Close() {
	h.cancel()

	h.connMu.Lock()
	conns := make([]*peerConn, 0, len(h.conns))
	for pc := range h.conns {
		conns = append(conns, pc)
	}
	h.connMu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	h.mints.Wait()
}

// ServeWS upgrades the request and serves the channel until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	oracle, subject, err := h.authenticate(r)
	if err != nil {
		h.logger.Warn("WebSocket authentication failed", map[string]interface{}{
			"error":      err.Error(),
			"request_id": requestID,
		})
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error":      err.Error(),
			"request_id": requestID,
		})
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(h.ctx)
	pc := &peerConn{
		id:      uuid.New().String(),
		conn:    conn,
		oracle:  oracle,
		subject: subject,
		ctx:     ctx,
		cancel:  cancel,
	}
	logger := h.logger.With(map[string]interface{}{"conn_id": pc.id, "oracle": oracle})

	h.connMu.Lock()
	h.conns[pc] = struct{}{}
	h.connMu.Unlock()
	metrics.SetActiveConnections("websocket", float64(h.active.Add(1)))
	logger.Info("Channel opened", map[string]interface{}{"request_id": requestID})

	go pc.pingLoop()
	h.readLoop(pc, logger)

	h.registry.Unbind(pc)
	pc.close()
	h.connMu.Lock()
	delete(h.conns, pc)
	h.connMu.Unlock()
	metrics.SetActiveConnections("websocket", float64(h.active.Add(-1)))
	logger.Info("Channel closed", nil)
}

// authenticate decides whether the channel may act as an oracle. Without a
// configured secret every channel may. With one, a presented token must be
// valid, and channels without one are applicants.
func (h *Hub) authenticate(r *http.Request) (bool, string, error) {
	if !h.issuer.Enabled() {
		return true, "", nil
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return false, "", nil
	}
	claims, err := h.issuer.ValidateToken(token)
	if err != nil {
		return false, "", err
	}
	return true, claims.Subject, nil
}

func (h *Hub) readLoop(pc *peerConn, logger *logging.Logger) {
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			metrics.RecordEnvelope("invalid")
			logger.Warn("Dropping invalid envelope", map[string]interface{}{"error": err.Error()})
			continue
		}
		metrics.RecordEnvelope(string(ev.EventName()))
		h.handle(pc, logger, ev)
	}
}

func (h *Hub) handle(pc *peerConn, logger *logging.Logger, ev protocol.Event) {
	ctx := pc.ctx

	switch e := ev.(type) {
	case protocol.RegisterSession:
		h.registry.Bind(e.Address, pc)
		logger.Debug("Session registered", map[string]interface{}{"address": e.Address})

	case protocol.WaitingForApproval:
		h.submit(ctx, pc, logger, e)

	case protocol.GetUserInfo:
		if !h.requireOracle(pc, logger, ev) {
			return
		}
		h.lookup(ctx, pc, logger, e.Address)

	case protocol.ApproveUser:
		if !h.requireOracle(pc, logger, ev) {
			metrics.RecordApproval(metrics.OutcomeRejected)
			return
		}
		h.approve(ctx, pc, logger, e.Address)

	case protocol.DenyUser:
		if !h.requireOracle(pc, logger, ev) {
			metrics.RecordApproval(metrics.OutcomeRejected)
			return
		}
		h.deny(ctx, pc, logger, e.Address)

	default:
		logger.Warn("Ignoring relay-bound event from client", map[string]interface{}{"event": string(ev.EventName())})
	}
}

func (h *Hub) requireOracle(pc *peerConn, logger *logging.Logger, ev protocol.Event) bool {
	if pc.oracle {
		return true
	}
	logger.Warn("Oracle event from unauthenticated channel", map[string]interface{}{"event": string(ev.EventName())})
	return false
}

func (h *Hub) submit(ctx context.Context, pc *peerConn, logger *logging.Logger, e protocol.WaitingForApproval) {
	if e.NewAddress == "" {
		logger.Warn("Approval request without new_address", nil)
		return
	}
	h.registry.Bind(e.NewAddress, pc)

	req, err := h.store.SubmitRequest(ctx, e.NewAddress, protocol.Candidate{Name: e.Name, Email: e.Email, Address: e.Address})
	switch {
	case err == nil:
		logger.Info("Approval requested", map[string]interface{}{"address": req.NewAddress, "name": req.Name})
	case errors.Is(err, store.ErrUnknownCandidate), errors.Is(err, store.ErrClaimed):
		logger.Warn("Approval request rejected", map[string]interface{}{"address": e.NewAddress, "error": err.Error()})
		h.sendTo(pc, logger, protocol.ApprovalDenied{Address: e.NewAddress})
	default:
		logger.Error("Failed to store approval request", err, map[string]interface{}{"address": e.NewAddress})
	}
}

func (h *Hub) lookup(ctx context.Context, pc *peerConn, logger *logging.Logger, address string) {
	req, err := h.store.Request(ctx, address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("Failed to look up request", err, map[string]interface{}{"address": address})
	}
	if err != nil || req.Status != protocol.StatusWaiting {
		h.sendTo(pc, logger, protocol.UserInfoNotFound{})
		return
	}
	h.sendTo(pc, logger, protocol.UserInfo{Name: req.Name, Email: req.Email, Address: req.Address})
}

func (h *Hub) approve(ctx context.Context, pc *peerConn, logger *logging.Logger, address string) {
	req, err := h.store.BeginMint(ctx, address)
	switch {
	case errors.Is(err, store.ErrNotWaiting):
		metrics.RecordApproval(metrics.OutcomeDuplicate)
		logger.Info("Ignoring approval for request that is not waiting", map[string]interface{}{"address": address})
		return
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("Approval for unknown address", map[string]interface{}{"address": address})
		return
	case errors.Is(err, store.ErrClaimed):
		metrics.RecordApproval(metrics.OutcomeDuplicate)
		logger.Warn("Approval refused, candidate belongs to another address", map[string]interface{}{"address": address})
		return
	case err != nil:
		logger.Error("Failed to begin mint", err, map[string]interface{}{"address": address})
		return
	}

	logger.Info("Minting started", map[string]interface{}{"address": address, "approved_by": pc.subject})
	h.notify(address, pc, logger, protocol.MintingInProgress{Name: req.Name})

	h.mints.Add(1)
	go func() {
		defer h.mints.Done()
		h.mint(pc, logger, req)
	}()
}

func (h *Hub) mint(pc *peerConn, logger *logging.Logger, req *store.Request) {
	ctx, cancel := context.WithTimeout(h.ctx, h.mintTimeout)
	defer cancel()

	start := time.Now()
	txHash, err := h.minter.Mint(ctx, MintRequest{Address: req.NewAddress, Name: req.Name, Email: req.Email})
	metrics.ObserveMint(time.Since(start).Seconds())

	// Store updates must land even if the hub is shutting down.
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer storeCancel()

	if err != nil {
		metrics.RecordApproval(metrics.OutcomeFailed)
		logger.Error("Mint failed", err, map[string]interface{}{"address": req.NewAddress})
		if abortErr := h.store.AbortMint(storeCtx, req.NewAddress); abortErr != nil {
			logger.Error("Failed to revert request to waiting", abortErr, map[string]interface{}{"address": req.NewAddress})
		}
		return
	}

	if err := h.store.CompleteMint(storeCtx, req.NewAddress, txHash); err != nil {
		metrics.RecordApproval(metrics.OutcomeFailed)
		logger.Error("Failed to record mint", err, map[string]interface{}{"address": req.NewAddress, "tx_hash": txHash})
		if abortErr := h.store.AbortMint(storeCtx, req.NewAddress); abortErr != nil {
			logger.Error("Failed to revert request to waiting", abortErr, map[string]interface{}{"address": req.NewAddress})
		}
		return
	}

	metrics.RecordApproval(metrics.OutcomeMinted)
	logger.Info("Membership minted", map[string]interface{}{"address": req.NewAddress, "tx_hash": txHash})
	h.notify(req.NewAddress, pc, logger, protocol.ApprovalSuccess{TxHash: txHash})
}

func (h *Hub) deny(ctx context.Context, pc *peerConn, logger *logging.Logger, address string) {
	req, err := h.store.Deny(ctx, address)
	if err != nil {
		logger.Warn("Denial not applied", map[string]interface{}{"address": address, "error": err.Error()})
		return
	}
	metrics.RecordApproval(metrics.OutcomeDenied)
	logger.Info("Approval denied", map[string]interface{}{"address": req.NewAddress, "denied_by": pc.subject})
	h.registry.Push(address, protocol.ApprovalDenied{Address: req.NewAddress})
}

// notify pushes ev to every channel bound to address, and to the acting
// channel if it never registered for it.
func (h *Hub) notify(address string, actor *peerConn, logger *logging.Logger, ev protocol.Event) {
	delivered := h.registry.Push(address, ev)
	if !h.registry.IsBound(address, actor) {
		if h.sendTo(actor, logger, ev) {
			delivered++
		}
	}
	logger.Debug("Event pushed", map[string]interface{}{
		"event":     string(ev.EventName()),
		"address":   address,
		"delivered": delivered,
	})
}

func (h *Hub) sendTo(pc *peerConn, logger *logging.Logger, ev protocol.Event) bool {
	if err := pc.Send(ev); err != nil {
		logger.Warn("Failed to send event", map[string]interface{}{
			"event": string(ev.EventName()),
			"error": err.Error(),
		})
		return false
	}
	return true
}
