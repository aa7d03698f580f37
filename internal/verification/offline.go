package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iliyamo/venue-ticketing/internal/metrics"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/signature"
)

// OfflineCache holds the signatures synced for an event.
type OfflineCache interface {
	// Lookup returns the cached signature of token; ok is false when the
	// token was never synced.
	Lookup(ctx context.Context, token string) (sig string, ok bool, err error)
	// ReplaceEvent swaps the manifest of an event for entries.
	ReplaceEvent(ctx context.Context, eventID uint64, entries []repository.ManifestEntry) error
}

// SQLiteCache is the scanner's on-device manifest store.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (and creates) the cache at path.  ":memory:" is
// accepted for tests.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS manifest (
			token TEXT PRIMARY KEY,
			event_id INTEGER NOT NULL,
			signature TEXT NOT NULL,
			holder_name TEXT NOT NULL DEFAULT '',
			synced_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_manifest_event ON manifest(event_id);`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database.
func (c *SQLiteCache) Close() error { return c.db.Close() }

// Lookup implements OfflineCache.
func (c *SQLiteCache) Lookup(ctx context.Context, token string) (string, bool, error) {
	var sig string
	err := c.db.QueryRowContext(ctx, `SELECT signature FROM manifest WHERE token = ?`, token).Scan(&sig)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sig, true, nil
}

// ReplaceEvent implements OfflineCache.  Tickets refunded since the last
// sync drop out of the manifest.
func (c *SQLiteCache) ReplaceEvent(ctx context.Context, eventID uint64, entries []repository.ManifestEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM manifest WHERE event_id = ?`, eventID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO manifest (token, event_id, signature, holder_name, synced_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Token == "" || e.Signature == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, e.Token, eventID, e.Signature, e.HolderName, now); err != nil {
			return fmt.Errorf("cache %s: %w", e.Token, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Count returns the number of cached tickets.
func (c *SQLiteCache) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifest`).Scan(&n)
	return n, err
}

// OfflineVerifier accepts a ticket iff the presented signature equals the
// cached one.  The secret never reaches the device.
type OfflineVerifier struct {
	cache OfflineCache
}

// NewOfflineVerifier builds an OfflineVerifier over cache.
func NewOfflineVerifier(cache OfflineCache) *OfflineVerifier {
	return &OfflineVerifier{cache: cache}
}

// Verify implements TokenVerifier.
func (o *OfflineVerifier) Verify(ctx context.Context, token, sig string) bool {
	ok := false
	if token != "" && sig != "" {
		cached, found, err := o.cache.Lookup(ctx, token)
		ok = err == nil && found && signature.Equal(cached, sig)
	}
	metrics.TicketVerificationsTotal.WithLabelValues("offline", resultLabel(ok)).Inc()
	return ok
}
