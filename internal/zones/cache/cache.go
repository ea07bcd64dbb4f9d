// Package cache persists expensive downloads on local disk with a TTL.
// Payloads are files named by the BLAKE2b digest of their key; metadata lives
// in a SQLite index next to them.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
)

// DefaultTTL is how long a download stays usable.
const DefaultTTL = 90 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key     TEXT PRIMARY KEY,
	source_url    TEXT NOT NULL DEFAULT '',
	downloaded_at TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	payload_path  TEXT NOT NULL,
	payload_size  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_expires_at ON cache_entries (expires_at);
`

// timeFormat is fixed-width UTC so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Entry is the metadata kept for one cached payload.
type Entry struct {
	Key          string
	SourceURL    string
	DownloadedAt time.Time
	ExpiresAt    time.Time
	PayloadPath  string
	PayloadSize  int64
}

// Usable reports whether the entry can be served at now.
func (e Entry) Usable(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Options configures a Store.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Store is a keyed, TTL-bound payload cache.
type Store struct {
	db  *sql.DB
	dir string
	ttl time.Duration
	now func() time.Time
}

// Open creates dir if needed and opens its metadata index.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "payloads"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(dir, "index.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache index: %w", err)
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{db: db, dir: dir, ttl: opts.TTL, now: opts.Now}, nil
}

// Close closes the metadata index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the payload for key while its entry is unexpired. A missing,
// expired or unreadable entry is a miss, not an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := s.Entry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !entry.Usable(s.now()) {
		logger.Debug("cache entry expired", zap.String("key", key), zap.Time("expires_at", entry.ExpiresAt))
		return nil, false, nil
	}

	payload, err := os.ReadFile(entry.PayloadPath)
	if err != nil {
		logger.Warn("cache payload unreadable", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return payload, true, nil
}

// Put stores payload under key with expiration now + TTL, replacing any prior
// entry.
func (s *Store) Put(ctx context.Context, key, sourceURL string, payload []byte) error {
	path := s.payloadPath(key)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close payload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move payload into place: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, source_url, downloaded_at, expires_at, payload_path, payload_size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			source_url = excluded.source_url,
			downloaded_at = excluded.downloaded_at,
			expires_at = excluded.expires_at,
			payload_path = excluded.payload_path,
			payload_size = excluded.payload_size`,
		key, sourceURL, now.Format(timeFormat), now.Add(s.ttl).Format(timeFormat), path, len(payload),
	)
	if err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// Entry returns the metadata for key regardless of expiry.
func (s *Store) Entry(ctx context.Context, key string) (*Entry, bool, error) {
	var (
		e                   Entry
		downloaded, expires string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, source_url, downloaded_at, expires_at, payload_path, payload_size
		FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&e.Key, &e.SourceURL, &downloaded, &expires, &e.PayloadPath, &e.PayloadSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry %q: %w", key, err)
	}

	if e.DownloadedAt, err = time.Parse(timeFormat, downloaded); err != nil {
		return nil, false, fmt.Errorf("parse downloaded_at for %q: %w", key, err)
	}
	if e.ExpiresAt, err = time.Parse(timeFormat, expires); err != nil {
		return nil, false, fmt.Errorf("parse expires_at for %q: %w", key, err)
	}
	return &e, true, nil
}

// Purge deletes expired entries and their payload files.
func (s *Store) Purge(ctx context.Context) (int, error) {
	now := s.now().UTC().Format(timeFormat)

	rows, err := s.db.QueryContext(ctx, `SELECT cache_key, payload_path FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("list expired entries: %w", err)
	}
	type expired struct{ key, path string }
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.key, &v.path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired entry: %w", err)
		}
		victims = append(victims, v)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("list expired entries: %w", err)
	}

	purged := 0
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove cache payload", zap.String("path", v.path), zap.Error(err))
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, v.key); err != nil {
			return purged, fmt.Errorf("delete cache entry %q: %w", v.key, err)
		}
		purged++
	}
	return purged, nil
}

func (s *Store) payloadPath(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return filepath.Join(s.dir, "payloads", hex.EncodeToString(sum[:]))
}
