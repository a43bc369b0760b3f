package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

// SQLiteCache keeps undelivered checkpoints on local disk. Each document keeps
// at most one row per checkpoint kind; a newer Update replaces the older one.
type SQLiteCache struct {
	db *sql.DB
}

// Ensure SQLiteCache implements the CheckpointCache interface
var _ repositories.CheckpointCache = (*SQLiteCache)(nil)

// OpenCache opens or creates the cache database at path
func OpenCache(ctx context.Context, path string) (*SQLiteCache, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	c := &SQLiteCache{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS checkpoints (
    cache_key TEXT NOT NULL,
    kind TEXT NOT NULL,
    document_id TEXT NOT NULL,
    meeting_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    transcript TEXT,
    word_count INTEGER,
    ts TIMESTAMP NOT NULL,
    cached_at TIMESTAMP NOT NULL,
    PRIMARY KEY (cache_key, kind)
);
`
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init cache schema: %w", err)
	}
	return nil
}

// Put stores cp, replacing an older checkpoint of the same kind for its document
func (c *SQLiteCache) Put(ctx context.Context, cp entities.Checkpoint) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO checkpoints(cache_key, kind, document_id, meeting_id, user_id, transcript, word_count, ts, cached_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key, kind) DO UPDATE SET
		   transcript=excluded.transcript,
		   word_count=excluded.word_count,
		   ts=excluded.ts,
		   cached_at=excluded.cached_at`,
		cp.CacheKey(), string(cp.Kind), cp.DocumentID, cp.MeetingID, cp.UserID,
		cp.Transcript, cp.WordCount, cp.Timestamp.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache checkpoint: %w", err)
	}
	return nil
}

// Has reports whether any checkpoint of the document is cached
func (c *SQLiteCache) Has(ctx context.Context, key string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE cache_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query cache: %w", err)
	}
	return n > 0, nil
}

// Pending returns cached checkpoints grouped by document, ordered Init, Update, Finalize
func (c *SQLiteCache) Pending(ctx context.Context) (map[string][]entities.Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT cache_key, kind, document_id, meeting_id, user_id, transcript, word_count, ts
		 FROM checkpoints ORDER BY cached_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending checkpoints: %w", err)
	}
	defer rows.Close()

	pending := make(map[string][]entities.Checkpoint)
	for rows.Next() {
		var (
			key, kind  string
			cp         entities.Checkpoint
			transcript sql.NullString
			wordCount  sql.NullInt64
		)
		if err := rows.Scan(&key, &kind, &cp.DocumentID, &cp.MeetingID, &cp.UserID, &transcript, &wordCount, &cp.Timestamp); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Kind = entities.CheckpointKind(kind)
		cp.Transcript = transcript.String
		cp.WordCount = int(wordCount.Int64)
		pending[key] = append(pending[key], cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	for key := range pending {
		group := pending[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Kind.Rank() < group[j].Kind.Rank()
		})
	}
	return pending, nil
}

// Delete removes one cached checkpoint
func (c *SQLiteCache) Delete(ctx context.Context, key string, kind entities.CheckpointKind) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE cache_key = ? AND kind = ?`, key, string(kind)); err != nil {
		return fmt.Errorf("delete cached checkpoint: %w", err)
	}
	return nil
}

// Close releases the database
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
