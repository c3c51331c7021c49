// Package store provides the ephemeral state store backing the
// aggregator: a namespaced key-value table, membership sets and field
// hashes, all in SQLite. Entries can carry an expiry; expiry is
// enforced lazily, on read, against the injected clock — nothing in
// the store wakes up on its own. That keeps every time-dependent
// behavior reproducible under a mocked clock.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/makerspaceleiden/aggregator/internal/clock"
)

// Store is the SQLite-backed ephemeral store. All public methods are
// safe for concurrent use (SQLite serializes writes), though in
// practice all writes arrive on the single worker goroutine.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open creates (or opens) the store at the given database path. The
// schema is created automatically on first use.
func Open(dbPath string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, clk: clk}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (namespace, key)
	);
	CREATE TABLE IF NOT EXISTS set_members (
		namespace TEXT NOT NULL,
		member    TEXT NOT NULL,
		PRIMARY KEY (namespace, member)
	);
	CREATE TABLE IF NOT EXISTS hash_fields (
		hash  TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (hash, field)
	);
	CREATE TABLE IF NOT EXISTS hash_expiry (
		hash       TEXT NOT NULL PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expiresAt converts a TTL into an absolute unix timestamp, or nil for
// entries that never expire.
func (s *Store) expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.clk.Now().Add(ttl).Unix()
}

func (s *Store) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && s.clk.Now().Unix() >= expiresAt.Int64
}

// Set upserts a namespace/key/value triple. A ttl of zero means the
// entry never expires.
func (s *Store) Set(namespace, key, value string, ttl time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, key, value, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, expires_at = excluded.expires_at`,
		namespace, key, value, s.expiresAt(ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the stored value for a namespace/key pair. The second
// return is false if the key does not exist or has expired; expired
// rows are deleted on the way out.
func (s *Store) Get(namespace, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT value, expires_at FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if s.expired(expiresAt) {
		if err := s.Delete(namespace, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return value, true, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the live keys in a namespace, with their values. Expired
// rows are dropped from the result and deleted.
func (s *Store) Keys(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value, expires_at FROM kv WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", namespace, err)
	}
	defer rows.Close()

	out := map[string]string{}
	var stale []string
	for rows.Next() {
		var key, value string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("keys %s: %w", namespace, err)
		}
		if s.expired(expiresAt) {
			stale = append(stale, key)
			continue
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keys %s: %w", namespace, err)
	}
	for _, key := range stale {
		if err := s.Delete(namespace, key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SAdd adds a member to a set. Adding an existing member is a no-op.
func (s *Store) SAdd(namespace, member string) error {
	_, err := s.db.Exec(
		`INSERT INTO set_members (namespace, member) VALUES (?, ?)
		 ON CONFLICT (namespace, member) DO NOTHING`,
		namespace, member,
	)
	if err != nil {
		return fmt.Errorf("sadd %s/%s: %w", namespace, member, err)
	}
	return nil
}

// SRem removes a member from a set. Removing a missing member is not
// an error.
func (s *Store) SRem(namespace, member string) error {
	_, err := s.db.Exec(
		`DELETE FROM set_members WHERE namespace = ? AND member = ?`,
		namespace, member,
	)
	if err != nil {
		return fmt.Errorf("srem %s/%s: %w", namespace, member, err)
	}
	return nil
}

// SMembers lists the members of a set in insertion-independent
// (lexical) order.
func (s *Store) SMembers(namespace string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT member FROM set_members WHERE namespace = ? ORDER BY member`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("smembers %s: %w", namespace, err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

// HReplace atomically replaces the full contents of a hash and stamps
// its expiry. Identity caches are refreshed through this: the whole
// hash expires as one unit, forcing a directory reload.
func (s *Store) HReplace(hash string, fields map[string]string, ttl time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("hreplace %s: %w", hash, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM hash_fields WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("hreplace %s: %w", hash, err)
	}
	for field, value := range fields {
		if _, err := tx.Exec(
			`INSERT INTO hash_fields (hash, field, value) VALUES (?, ?, ?)`,
			hash, field, value,
		); err != nil {
			return fmt.Errorf("hreplace %s/%s: %w", hash, field, err)
		}
	}
	if ttl > 0 {
		if _, err := tx.Exec(
			`INSERT INTO hash_expiry (hash, expires_at) VALUES (?, ?)
			 ON CONFLICT (hash) DO UPDATE SET expires_at = excluded.expires_at`,
			hash, s.clk.Now().Add(ttl).Unix(),
		); err != nil {
			return fmt.Errorf("hreplace %s: %w", hash, err)
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM hash_expiry WHERE hash = ?`, hash); err != nil {
			return fmt.Errorf("hreplace %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

// hashLive reports whether the hash exists and has not expired.
// Expired hashes are purged.
func (s *Store) hashLive(hash string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRow(
		`SELECT expires_at FROM hash_expiry WHERE hash = ?`, hash,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("hash expiry %s: %w", hash, err)
	}
	if s.clk.Now().Unix() >= expiresAt {
		if _, err := s.db.Exec(`DELETE FROM hash_fields WHERE hash = ?`, hash); err != nil {
			return false, fmt.Errorf("hash purge %s: %w", hash, err)
		}
		if _, err := s.db.Exec(`DELETE FROM hash_expiry WHERE hash = ?`, hash); err != nil {
			return false, fmt.Errorf("hash purge %s: %w", hash, err)
		}
		return false, nil
	}
	return true, nil
}

// HGet returns one field of a hash. The second return is false if the
// hash has expired or the field is absent.
func (s *Store) HGet(hash, field string) (string, bool, error) {
	live, err := s.hashLive(hash)
	if err != nil || !live {
		return "", false, err
	}
	var value string
	err = s.db.QueryRow(
		`SELECT value FROM hash_fields WHERE hash = ? AND field = ?`,
		hash, field,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s/%s: %w", hash, field, err)
	}
	return value, true, nil
}

// HValues lists all field values of a live hash.
func (s *Store) HValues(hash string) ([]string, error) {
	live, err := s.hashLive(hash)
	if err != nil || !live {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT value FROM hash_fields WHERE hash = ? ORDER BY field`, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("hvalues %s: %w", hash, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("hvalues %s: %w", hash, err)
		}
		out = append(out, value)
	}
	return out, rows.Err()
}
