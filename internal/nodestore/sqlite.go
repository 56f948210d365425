package nodestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a per-node Store backed by SQLite in WAL mode with a
// single open writer connection, making the single-writer discipline
// structural: every write serializes on the one connection in db's pool,
// while reads from other connections (there are none, by construction, but
// the pragma keeps the door open) never block behind a writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures its schema exists. path may be ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	const pragmas = `
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;
`
	if _, err := s.db.Exec(pragmas); err != nil {
		return fmt.Errorf("nodestore: pragmas: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS shares (
	comp_id        TEXT NOT NULL,
	contributor_id TEXT NOT NULL,
	share_value    INTEGER NOT NULL,
	received_at    TEXT NOT NULL,
	PRIMARY KEY (comp_id, contributor_id)
);

CREATE TABLE IF NOT EXISTS partial_sums (
	comp_id         TEXT PRIMARY KEY,
	partial_sum     INTEGER NOT NULL,
	participant_ids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	comp_id         TEXT PRIMARY KEY,
	raw_value       INTEGER NOT NULL,
	shares          TEXT NOT NULL,
	delivery_status TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("nodestore: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutShare(ctx context.Context, rec ShareRecord) error {
	return withRetry(ctx, func() error {
		const q = `INSERT INTO shares (comp_id, contributor_id, share_value, received_at)
		           VALUES (?, ?, ?, ?)`
		_, err := s.db.ExecContext(ctx, q, rec.CompID, rec.ContributorID, rec.ShareValue, rec.ReceivedAt.Format(time.RFC3339Nano))
		if isConstraintViolation(err) {
			return fmt.Errorf("put share %s/%s: %w", rec.CompID, rec.ContributorID, ErrAlreadyExists)
		}
		return err
	})
}

func (s *SQLiteStore) ListShares(ctx context.Context, compID string) ([]ShareRecord, error) {
	const q = `SELECT comp_id, contributor_id, share_value, received_at FROM shares WHERE comp_id = ?`
	rows, err := s.db.QueryContext(ctx, q, compID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShareRecord
	for rows.Next() {
		var rec ShareRecord
		var receivedAt string
		if err := rows.Scan(&rec.CompID, &rec.ContributorID, &rec.ShareValue, &receivedAt); err != nil {
			return nil, err
		}
		rec.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("nodestore: parse received_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutPartialSum(ctx context.Context, rec PartialSumRecord) error {
	ids, err := json.Marshal(rec.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("nodestore: encode participant ids: %w", err)
	}
	return withRetry(ctx, func() error {
		const q = `INSERT INTO partial_sums (comp_id, partial_sum, participant_ids)
		           VALUES (?, ?, ?)
		           ON CONFLICT(comp_id) DO UPDATE SET partial_sum = excluded.partial_sum,
		               participant_ids = excluded.participant_ids`
		_, err := s.db.ExecContext(ctx, q, rec.CompID, rec.PartialSum, string(ids))
		return err
	})
}

func (s *SQLiteStore) GetPartialSum(ctx context.Context, compID string) (*PartialSumRecord, error) {
	const q = `SELECT comp_id, partial_sum, participant_ids FROM partial_sums WHERE comp_id = ?`
	var rec PartialSumRecord
	var ids string
	err := s.db.QueryRowContext(ctx, q, compID).Scan(&rec.CompID, &rec.PartialSum, &ids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get partial sum %s: %w", compID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &rec.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("nodestore: decode participant ids: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) PutResponse(ctx context.Context, rec ResponseRecord) error {
	shares, err := json.Marshal(rec.Shares)
	if err != nil {
		return fmt.Errorf("nodestore: encode shares: %w", err)
	}
	status := strings.Join(rec.DeliveryStatus[:], ",")

	return withRetry(ctx, func() error {
		const q = `INSERT INTO responses (comp_id, raw_value, shares, delivery_status)
		           VALUES (?, ?, ?, ?)
		           ON CONFLICT(comp_id) DO UPDATE SET raw_value = excluded.raw_value,
		               shares = excluded.shares, delivery_status = excluded.delivery_status`
		_, err := s.db.ExecContext(ctx, q, rec.CompID, rec.RawValue, string(shares), status)
		return err
	})
}

func (s *SQLiteStore) GetResponse(ctx context.Context, compID string) (*ResponseRecord, error) {
	const q = `SELECT comp_id, raw_value, shares, delivery_status FROM responses WHERE comp_id = ?`
	var rec ResponseRecord
	var shares, status string
	err := s.db.QueryRowContext(ctx, q, compID).Scan(&rec.CompID, &rec.RawValue, &shares, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get response %s: %w", compID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(shares), &rec.Shares); err != nil {
		return nil, fmt.Errorf("nodestore: decode shares: %w", err)
	}
	parts := strings.Split(status, ",")
	copy(rec.DeliveryStatus[:], parts)
	return &rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withRetry retries transient SQLite contention (SQLITE_BUSY/SQLITE_LOCKED
// surfacing despite busy_timeout under write-heavy bursts) with a short
// jittered backoff. Constraint violations are classified permanent by the
// caller before reaching here.
func withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isConstraintViolation(err error) bool {
	return err != nil && (errors.Is(err, ErrAlreadyExists) || strings.Contains(err.Error(), "UNIQUE constraint"))
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") || strings.Contains(msg, "database is locked")
}

var _ Store = (*SQLiteStore)(nil)
