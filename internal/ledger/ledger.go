// Package ledger tracks subscriber identities, their trial windows, and
// administrative blocks, backed by sqlite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an identity has no record.
var ErrNotFound = errors.New("identity not found")

// DefaultTrialDuration is the trial window applied from first sight of an
// identity.
const DefaultTrialDuration = 24 * time.Hour

// Decision is the outcome of an access check.
type Decision int

// Decision values. StorageError must be treated as non-allowed by callers.
const (
	Allowed Decision = iota
	Blocked
	TrialExpired
	StorageError
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case TrialExpired:
		return "trial_expired"
	case StorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Record represents one known identity.
type Record struct {
	Identity   string    `json:"identity"`
	TrialStart time.Time `json:"trialStart"`
	Blocked    bool      `json:"blocked"`
}

// Store is the identity ledger. All methods are safe for concurrent use; the
// underlying *sql.DB serialises access.
type Store struct {
	db *sql.DB

	// TrialDuration is the trial window measured from first sight
	TrialDuration time.Duration

	// Now is a function for getting the time - useful for mocking in test
	Now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	identity    TEXT PRIMARY KEY,
	trial_start INTEGER NOT NULL,
	blocked     INTEGER NOT NULL DEFAULT 0
);`

// Open opens (creating if necessary) the ledger database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening ledger database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating identities table: %w", err)
	}

	return &Store{
		db:            db,
		TrialDuration: DefaultTrialDuration,
		Now:           time.Now,
	}, nil
}

// SetNowFunc replaces the clock, for testing
func (s *Store) SetNowFunc(nf func() time.Time) {
	s.Now = nf
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckAccess registers identity on first sight and reports whether it may
// open a new subscription. Storage faults map to StorageError, never to
// Allowed.
func (s *Store) CheckAccess(ctx context.Context, identity string) Decision {

	now := s.Now()

	var trialStart int64
	var blocked bool

	err := s.db.QueryRowContext(ctx,
		`SELECT trial_start, blocked FROM identities WHERE identity = ?`,
		identity).Scan(&trialStart, &blocked)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO identities (identity, trial_start, blocked) VALUES (?, ?, 0)`,
			identity, now.Unix())
		if err != nil {
			log.WithFields(log.Fields{"identity": identity, "error": err.Error()}).Error("ledger insert failed")
			return StorageError
		}
		return Allowed
	}

	if err != nil {
		log.WithFields(log.Fields{"identity": identity, "error": err.Error()}).Error("ledger read failed")
		return StorageError
	}

	if blocked {
		return Blocked
	}

	if now.Sub(time.Unix(trialStart, 0)) > s.TrialDuration {
		return TrialExpired
	}

	return Allowed
}

// ToggleBlock flips the blocked flag for identity and returns the new value.
// Returns ErrNotFound if the identity has never been seen.
func (s *Store) ToggleBlock(ctx context.Context, identity string) (bool, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var blocked bool
	err = tx.QueryRowContext(ctx,
		`SELECT blocked FROM identities WHERE identity = ?`,
		identity).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("error reading identity: %w", err)
	}

	blocked = !blocked

	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET blocked = ? WHERE identity = ?`,
		blocked, identity); err != nil {
		return false, fmt.Errorf("error updating identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing toggle: %w", err)
	}

	return blocked, nil
}

// List returns all identity records, most recently seen first.
func (s *Store) List(ctx context.Context) ([]Record, error) {

	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, trial_start, blocked FROM identities ORDER BY trial_start DESC, identity ASC`)
	if err != nil {
		return nil, fmt.Errorf("error listing identities: %w", err)
	}
	defer rows.Close()

	records := []Record{}

	for rows.Next() {
		var r Record
		var trialStart int64
		if err := rows.Scan(&r.Identity, &trialStart, &r.Blocked); err != nil {
			return nil, fmt.Errorf("error scanning identity: %w", err)
		}
		r.TrialStart = time.Unix(trialStart, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
