package store

import (
	"context"
	"sync"
	"time"

	"github.com/wfounders/clubwallet/internal/protocol"
)

type memoryCandidate struct {
	protocol.Candidate
	claimedBy string
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	candidates []*memoryCandidate
	byEmail    map[string]*memoryCandidate
	requests   map[string]*Request
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEmail:  make(map[string]*memoryCandidate),
		requests: make(map[string]*Request),
		now:      time.Now,
	}
}

func (s *MemoryStore) SeedCandidates(ctx context.Context, candidates []protocol.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candidates {
		key := normalizeEmail(c.Email)
		if existing, ok := s.byEmail[key]; ok {
			existing.Name = c.Name
			existing.Address = c.Address
			continue
		}
		mc := &memoryCandidate{Candidate: c}
		s.candidates = append(s.candidates, mc)
		s.byEmail[key] = mc
	}
	return nil
}

func (s *MemoryStore) Roster(ctx context.Context) ([]protocol.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster := make([]protocol.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.claimedBy == "" {
			roster = append(roster, c.Candidate)
		}
	}
	return roster, nil
}

func (s *MemoryStore) Status(ctx context.Context, address string) (protocol.ApprovalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.requests[NormalizeAddress(address)]; ok {
		return r.Status, nil
	}
	return protocol.StatusUnregistered, nil
}

func (s *MemoryStore) Request(ctx context.Context, address string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SubmitRequest(ctx context.Context, address string, c protocol.Candidate) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeAddress(address)
	mc, ok := s.byEmail[normalizeEmail(c.Email)]
	if !ok {
		return nil, ErrUnknownCandidate
	}
	if mc.claimedBy != "" && mc.claimedBy != key {
		return nil, ErrClaimed
	}
	if s.pendingForOtherLocked(mc.Email, key, func(r *Request) bool { return r.Status == protocol.StatusWaiting }) {
		return nil, ErrClaimed
	}

	now := s.now()
	if r, ok := s.requests[key]; ok {
		switch {
		case r.Status == protocol.StatusApproved:
			return nil, ErrAlreadyApproved
		case r.Minting:
			return nil, ErrNotWaiting
		}
		r.Name, r.Email, r.Address = mc.Name, mc.Email, mc.Address
		r.Status = protocol.StatusWaiting
		r.UpdatedAt = now
		cp := *r
		return &cp, nil
	}

	r := &Request{
		NewAddress: key,
		Name:       mc.Name,
		Email:      mc.Email,
		Address:    mc.Address,
		Status:     protocol.StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.requests[key] = r
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) BeginMint(ctx context.Context, address string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeAddress(address)
	r, ok := s.requests[key]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != protocol.StatusWaiting || r.Minting {
		return nil, ErrNotWaiting
	}
	if mc, ok := s.byEmail[normalizeEmail(r.Email)]; ok && mc.claimedBy != "" && mc.claimedBy != key {
		return nil, ErrClaimed
	}
	if s.pendingForOtherLocked(r.Email, key, func(o *Request) bool { return o.Minting }) {
		return nil, ErrClaimed
	}
	r.Minting = true
	r.UpdatedAt = s.now()
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CompleteMint(ctx context.Context, address, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeAddress(address)
	r, ok := s.requests[key]
	if !ok {
		return ErrNotFound
	}
	if !r.Minting {
		return ErrNotWaiting
	}
	mc, ok := s.byEmail[normalizeEmail(r.Email)]
	if ok && mc.claimedBy != "" && mc.claimedBy != key {
		return ErrClaimed
	}
	r.Minting = false
	r.Status = protocol.StatusApproved
	r.TxHash = txHash
	r.UpdatedAt = s.now()
	if ok {
		mc.claimedBy = key
	}
	return nil
}

// pendingForOtherLocked reports whether an address other than key holds a
// request for email that matches.
func (s *MemoryStore) pendingForOtherLocked(email, key string, match func(*Request) bool) bool {
	email = normalizeEmail(email)
	for addr, r := range s.requests {
		if addr != key && normalizeEmail(r.Email) == email && match(r) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) AbortMint(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[NormalizeAddress(address)]
	if !ok {
		return ErrNotFound
	}
	r.Minting = false
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Deny(ctx context.Context, address string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != protocol.StatusWaiting || r.Minting {
		return nil, ErrNotWaiting
	}
	r.Status = protocol.StatusUnapproved
	r.UpdatedAt = s.now()
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }
