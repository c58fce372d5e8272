package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_records (
	asin             TEXT    NOT NULL,
	marketplace_id   TEXT    NOT NULL,
	data             TEXT    NOT NULL,
	checksum         BLOB    NOT NULL,
	version          INTEGER NOT NULL,
	pending          INTEGER NOT NULL DEFAULT 0,
	last_decision_at INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (asin, marketplace_id)
);
CREATE INDEX IF NOT EXISTS idx_price_records_pending ON price_records (pending, last_decision_at);
`

// SQLiteStore implements core.IPriceStore on an embedded SQLite database.
// Each row carries the JSON record, its checksum, and a version column used for
// compare-and-swap writes.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key core.RecordKey) (*core.PriceRecord, error) {
	query := `SELECT data, checksum FROM price_records WHERE asin = ? AND marketplace_id = ?`
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx, query, key.ASIN, key.MarketplaceID).Scan(&data, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", key, apperrors.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to read record from db: %w", err)
	}
	return decodeRow(data, checksum)
}

func (s *SQLiteStore) Put(ctx context.Context, rec *core.PriceRecord, expectedVersion int64) error {
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return err
	}

	next := rec.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	checksum := sha256.Sum256(data)
	pending := 0
	if next.HasPending() {
		pending = 1
	}
	now := time.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO price_records (asin, marketplace_id, data, checksum, version, pending, last_decision_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.ASIN, key.MarketplaceID, string(data), checksum[:], next.Version, pending, unixNano(next.LastDecisionAt), now)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("%s: record already exists: %w", key, apperrors.ErrStoreConflict)
			}
			return fmt.Errorf("failed to insert record: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE price_records SET data = ?, checksum = ?, version = ?, pending = ?, last_decision_at = ?, updated_at = ?
			 WHERE asin = ? AND marketplace_id = ? AND version = ?`,
			string(data), checksum[:], next.Version, pending, unixNano(next.LastDecisionAt), now,
			key.ASIN, key.MarketplaceID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%s: expected version %d: %w", key, expectedVersion, apperrors.ErrStoreConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	rec.Version = next.Version
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, decidedBefore time.Time, limit int) ([]*core.PriceRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM price_records
		 WHERE pending = 1 AND last_decision_at <= ?
		 ORDER BY last_decision_at, asin, marketplace_id LIMIT ?`,
		unixNano(decidedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var out []*core.PriceRecord
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		rec, err := decodeRow(data, checksum)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListKeys(ctx context.Context, marketplaceID string) ([]core.RecordKey, error) {
	query := `SELECT asin, marketplace_id FROM price_records`
	var args []interface{}
	if marketplaceID != "" {
		query += ` WHERE marketplace_id = ?`
		args = append(args, marketplaceID)
	}
	query += ` ORDER BY asin, marketplace_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []core.RecordKey
	for rows.Next() {
		var k core.RecordKey
		if err := rows.Scan(&k.ASIN, &k.MarketplaceID); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRow(data string, storedChecksum []byte) (*core.PriceRecord, error) {
	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(storedChecksum, computed[:]) {
		return nil, fmt.Errorf("checksum verification failed: data corruption detected")
	}

	var rec core.PriceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// unixNano maps the zero time to 0 so undecided records sort first
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
