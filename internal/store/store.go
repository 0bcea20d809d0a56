// Package store persists the relay's roster and approval requests.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wfounders/clubwallet/internal/protocol"
)

var (
	// ErrNotFound is returned when no request exists for an address
	ErrNotFound = errors.New("store: not found")
	// ErrNotWaiting is returned when a mint or denial targets a request
	// that is not waiting, or is already being minted
	ErrNotWaiting = errors.New("store: request is not waiting for approval")
	// ErrAlreadyApproved is returned when an approved address asks again
	ErrAlreadyApproved = errors.New("store: address already approved")
	// ErrUnknownCandidate is returned when a request names someone off the roster
	ErrUnknownCandidate = errors.New("store: candidate is not on the roster")
	// ErrClaimed is returned when the candidate already belongs to another address
	ErrClaimed = errors.New("store: candidate already claimed")
)

// Request is one applicant's claim on a roster entry.
type Request struct {
	NewAddress string                  `db:"new_address"`
	Name       string                  `db:"name"`
	Email      string                  `db:"email"`
	Address    string                  `db:"address"`
	Status     protocol.ApprovalStatus `db:"status"`
	Minting    bool                    `db:"minting"`
	TxHash     string                  `db:"tx_hash"`
	CreatedAt  time.Time               `db:"created_at"`
	UpdatedAt  time.Time               `db:"updated_at"`
}

// Candidate returns the roster entry the request claims.
func (r Request) Candidate() protocol.Candidate {
	return protocol.Candidate{Name: r.Name, Email: r.Email, Address: r.Address}
}

// Store is the relay's persistence boundary. Addresses are compared
// case-insensitively.
type Store interface {
	// SeedCandidates upserts roster entries without touching claims.
	SeedCandidates(ctx context.Context, candidates []protocol.Candidate) error
	// Roster lists candidates that no approved address has claimed.
	Roster(ctx context.Context) ([]protocol.Candidate, error)
	// Status returns Unregistered for addresses that never asked.
	Status(ctx context.Context, address string) (protocol.ApprovalStatus, error)
	// Request returns the request for an address or ErrNotFound.
	Request(ctx context.Context, address string) (*Request, error)
	// SubmitRequest records a waiting request, replacing an earlier unapproved one.
	SubmitRequest(ctx context.Context, address string, c protocol.Candidate) (*Request, error)
	// BeginMint marks a waiting request as minting. Only one caller wins.
	BeginMint(ctx context.Context, address string) (*Request, error)
	// CompleteMint approves the request and claims its candidate.
	CompleteMint(ctx context.Context, address, txHash string) error
	// AbortMint returns a minting request to plain waiting.
	AbortMint(ctx context.Context, address string) error
	// Deny moves a waiting request to unapproved.
	Deny(ctx context.Context, address string) (*Request, error)
	Close() error
}

// NormalizeAddress is the registry and storage key for an address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
