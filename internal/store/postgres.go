package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/wfounders/clubwallet/internal/config"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS club_candidates (
	email      TEXT NOT NULL,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	claimed_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS club_candidates_email_key ON club_candidates (lower(email));

CREATE TABLE IF NOT EXISTS club_requests (
	new_address TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	email       TEXT NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	status      SMALLINT NOT NULL,
	minting     BOOLEAN NOT NULL DEFAULT FALSE,
	tx_hash     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const requestColumns = `new_address, name, email, address, status, minting, tx_hash, created_at, updated_at`

// PostgresStore keeps the roster and requests in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects with retry, applies pool limits and migrates.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger, retry RetryConfig) (*PostgresStore, error) {
	var db *sqlx.DB
	err := Retry(ctx, logger, retry, "database connection", func(ctx context.Context) error {
		conn, err := sqlx.Open("pgx", cfg.DSN())
		if err != nil {
			return err
		}
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return classifyConnError(err)
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SeedCandidates(ctx context.Context, candidates []protocol.Candidate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO club_candidates (email, name, address)
		VALUES ($1, $2, $3)
		ON CONFLICT ((lower(email))) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address`
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx, query, c.Email, c.Name, c.Address); err != nil {
			return fmt.Errorf("failed to seed candidate %s: %w", c.Email, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Roster(ctx context.Context) ([]protocol.Candidate, error) {
	roster := []protocol.Candidate{}
	query := `SELECT name, email, address FROM club_candidates
		WHERE claimed_by IS NULL ORDER BY created_at, name`
	if err := s.db.SelectContext(ctx, &roster, query); err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	return roster, nil
}

func (s *PostgresStore) Status(ctx context.Context, address string) (protocol.ApprovalStatus, error) {
	var status protocol.ApprovalStatus
	err := s.db.GetContext(ctx, &status, `SELECT status FROM club_requests WHERE new_address = $1`, NormalizeAddress(address))
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.StatusUnregistered, nil
	}
	if err != nil {
		return protocol.StatusUnregistered, fmt.Errorf("failed to get status: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) Request(ctx context.Context, address string) (*Request, error) {
	var r Request
	query := `SELECT ` + requestColumns + ` FROM club_requests WHERE new_address = $1`
	err := s.db.GetContext(ctx, &r, query, NormalizeAddress(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) SubmitRequest(ctx context.Context, address string, c protocol.Candidate) (*Request, error) {
	key := NormalizeAddress(address)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cand struct {
		protocol.Candidate
		ClaimedBy sql.NullString `db:"claimed_by"`
	}
	err = tx.GetContext(ctx, &cand,
		`SELECT name, email, address, claimed_by FROM club_candidates WHERE lower(email) = $1 FOR UPDATE`,
		normalizeEmail(c.Email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCandidate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	if cand.ClaimedBy.Valid && cand.ClaimedBy.String != key {
		return nil, ErrClaimed
	}
	if taken, err := otherRequestExists(ctx, tx, cand.Email, key, `status = $3`, int(protocol.StatusWaiting)); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrClaimed
	}

	var existing struct {
		Status  protocol.ApprovalStatus `db:"status"`
		Minting bool                    `db:"minting"`
	}
	err = tx.GetContext(ctx, &existing, `SELECT status, minting FROM club_requests WHERE new_address = $1 FOR UPDATE`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get request: %w", err)
	case existing.Status == protocol.StatusApproved:
		return nil, ErrAlreadyApproved
	case existing.Minting:
		return nil, ErrNotWaiting
	}

	var r Request
	query := `INSERT INTO club_requests (new_address, name, email, address, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (new_address) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, address = EXCLUDED.address,
			status = EXCLUDED.status, updated_at = NOW()
		RETURNING ` + requestColumns
	err = tx.GetContext(ctx, &r, query, key, cand.Name, cand.Email, cand.Address, int(protocol.StatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("failed to submit request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) BeginMint(ctx context.Context, address string) (*Request, error) {
	key := NormalizeAddress(address)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lr, err := lockCandidateFor(ctx, tx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOr(ctx, address, ErrNotWaiting)
	}
	if err != nil {
		return nil, err
	}
	if lr.Status != protocol.StatusWaiting || lr.Minting {
		return nil, ErrNotWaiting
	}
	if lr.claimedByOther(key) {
		return nil, ErrClaimed
	}
	if taken, err := otherRequestExists(ctx, tx, lr.Email, key, `minting`); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrClaimed
	}

	var r Request
	query := `UPDATE club_requests SET minting = TRUE, updated_at = NOW()
		WHERE new_address = $1 AND status = $2 AND NOT minting
		RETURNING ` + requestColumns
	err = tx.GetContext(ctx, &r, query, key, int(protocol.StatusWaiting))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOr(ctx, address, ErrNotWaiting)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin mint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mint: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CompleteMint(ctx context.Context, address, txHash string) error {
	key := NormalizeAddress(address)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lr, err := lockCandidateFor(ctx, tx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missingOr(ctx, address, ErrNotWaiting)
	}
	if err != nil {
		return err
	}
	if !lr.Minting {
		return ErrNotWaiting
	}
	if lr.claimedByOther(key) {
		return ErrClaimed
	}

	result, err := tx.ExecContext(ctx, `UPDATE club_requests
		SET minting = FALSE, status = $2, tx_hash = $3, updated_at = NOW()
		WHERE new_address = $1 AND minting`, key, int(protocol.StatusApproved), txHash)
	if err != nil {
		return fmt.Errorf("failed to complete mint: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return s.missingOr(ctx, address, ErrNotWaiting)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE club_candidates SET claimed_by = $1 WHERE lower(email) = $2`,
		key, normalizeEmail(lr.Email)); err != nil {
		return fmt.Errorf("failed to claim candidate: %w", err)
	}
	return tx.Commit()
}

// lockedRequest is the request at an address together with the claim on
// its roster row.
type lockedRequest struct {
	Email     string                  `db:"email"`
	Status    protocol.ApprovalStatus `db:"status"`
	Minting   bool                    `db:"minting"`
	ClaimedBy sql.NullString
}

func (lr *lockedRequest) claimedByOther(key string) bool {
	return lr.ClaimedBy.Valid && lr.ClaimedBy.String != key
}

// lockCandidateFor locks the roster row named by the request at key, then
// the request row itself. Candidate rows are always locked before request
// rows.
func lockCandidateFor(ctx context.Context, tx *sqlx.Tx, key string) (*lockedRequest, error) {
	var email string
	if err := tx.GetContext(ctx, &email, `SELECT email FROM club_requests WHERE new_address = $1`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	var lr lockedRequest
	err := tx.GetContext(ctx, &lr.ClaimedBy,
		`SELECT claimed_by FROM club_candidates WHERE lower(email) = $1 FOR UPDATE`, normalizeEmail(email))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock candidate: %w", err)
	}

	if err := tx.GetContext(ctx, &lr,
		`SELECT email, status, minting FROM club_requests WHERE new_address = $1 FOR UPDATE`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock request: %w", err)
	}
	return &lr, nil
}

// otherRequestExists reports whether an address other than key holds a
// request for email matching cond. Extra condition parameters start at $3.
func otherRequestExists(ctx context.Context, tx *sqlx.Tx, email, key, cond string, args ...interface{}) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM club_requests
		WHERE lower(email) = $1 AND new_address <> $2 AND ` + cond + `)`
	params := append([]interface{}{normalizeEmail(email), key}, args...)
	if err := tx.GetContext(ctx, &exists, query, params...); err != nil {
		return false, fmt.Errorf("failed to check other requests: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AbortMint(ctx context.Context, address string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE club_requests SET minting = FALSE, updated_at = NOW()
		WHERE new_address = $1`, NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("failed to abort mint: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Deny(ctx context.Context, address string) (*Request, error) {
	var r Request
	query := `UPDATE club_requests SET status = $2, updated_at = NOW()
		WHERE new_address = $1 AND status = $3 AND NOT minting
		RETURNING ` + requestColumns
	err := s.db.GetContext(ctx, &r, query, NormalizeAddress(address), int(protocol.StatusUnapproved), int(protocol.StatusWaiting))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOr(ctx, address, ErrNotWaiting)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deny request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// missingOr distinguishes an absent request from one in the wrong state.
func (s *PostgresStore) missingOr(ctx context.Context, address string, err error) error {
	if _, lookupErr := s.Request(ctx, address); errors.Is(lookupErr, ErrNotFound) {
		return ErrNotFound
	}
	return err
}
