// Package catalog is the authoritative record of every file the system
// knows about: identity, size, checksum, current tier, and access history.
// It is backed by SQLite and is the only component allowed to mutate file
// metadata.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tiered/internal/tier"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when no record exists for the given file id.
	ErrNotFound = errors.New("catalog: file not found")

	// ErrExists is returned by Create when the file id is already taken.
	ErrExists = errors.New("catalog: file already exists")

	// ErrConflict is returned by UpdateTier when the record's tier changed
	// since the caller last read it (stale tier version).
	ErrConflict = errors.New("catalog: tier version conflict")
)

// AccessKind distinguishes reads from writes in the access event log.
type AccessKind string

const (
	AccessRead  AccessKind = "read"
	AccessWrite AccessKind = "write"
)

// FileRecord is the catalog's view of a single stored file.
//
// TierVersion is a generation counter bumped on every tier change and checked
// by UpdateTier; it is the optimistic concurrency token that lets the
// scheduler and user-facing operations race safely without a global lock.
type FileRecord struct {
	ID           string
	Name         string
	Size         int64
	Tier         tier.Tier
	Checksum     string
	ContentType  string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TierVersion  int64
}

// Catalog provides access to the metadata database.
type Catalog struct {
	db *sql.DB
}

// initSchema initializes the metadata database schema by applying all SQL
// files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens (creating if necessary) the metadata database at dbPath and
// applies schema migrations.
func Open(ctx context.Context, dbPath string) (*Catalog, error) {
	if dbPath == "" {
		return nil, errors.New("dbPath must not be empty")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

const recordColumns = `id, name, size, tier, checksum, content_type, created_at, last_accessed, access_count, tier_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FileRecord, error) {
	var (
		rec         FileRecord
		tierName    string
		contentType sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.Name, &rec.Size, &tierName, &rec.Checksum,
		&contentType, &rec.CreatedAt, &rec.LastAccessed, &rec.AccessCount, &rec.TierVersion)
	if err != nil {
		return FileRecord{}, err
	}

	rec.Tier, err = tier.Parse(tierName)
	if err != nil {
		return FileRecord{}, fmt.Errorf("corrupt tier column for %s: %w", rec.ID, err)
	}
	if contentType.Valid {
		rec.ContentType = contentType.String
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastAccessed = rec.LastAccessed.UTC()
	return rec, nil
}

// Create inserts a fresh FileRecord. The id must not already be present.
func (c *Catalog) Create(ctx context.Context, rec FileRecord) error {
	if rec.ID == "" {
		return errors.New("file id must not be empty")
	}
	if !rec.Tier.Valid() {
		return fmt.Errorf("invalid tier %d", int(rec.Tier))
	}
	if rec.Size <= 0 {
		return fmt.Errorf("invalid size %d", rec.Size)
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO files(`+recordColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Size, rec.Tier.String(), rec.Checksum,
		nullIfEmpty(rec.ContentType), rec.CreatedAt.UTC(), rec.LastAccessed.UTC(),
		rec.AccessCount, rec.TierVersion,
	)
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	return nil
}

// Get returns the record for the given file id.
func (c *Catalog) Get(ctx context.Context, id string) (FileRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("lookup file record: %w", err)
	}
	return rec, nil
}

// RecordAccess appends an access event and updates the record's
// last-accessed timestamp and access counter in a single transaction, so no
// reader ever observes one effect without the other. The last-accessed
// timestamp never moves backwards.
func (c *Catalog) RecordAccess(ctx context.Context, id string, kind AccessKind, at time.Time) error {
	at = at.UTC()

	return WithTransaction(ctx, c.db, func(tx *sql.Tx) error {
		var last time.Time
		err := tx.QueryRowContext(ctx, `SELECT last_accessed FROM files WHERE id = ?`, id).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read last_accessed: %w", err)
		}

		newLast := at
		if last.After(newLast) {
			newLast = last.UTC()
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
			newLast, id,
		); err != nil {
			return fmt.Errorf("update access fields: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_events(file_id, kind, at) VALUES(?, ?, ?)`,
			id, string(kind), at,
		); err != nil {
			return fmt.Errorf("append access event: %w", err)
		}

		return nil
	})
}

// UpdateTier moves the record to a new tier using compare-and-swap on the
// tier version read by the caller. A stale version means another actor moved
// the file first and the caller must re-evaluate.
func (c *Catalog) UpdateTier(ctx context.Context, id string, to tier.Tier, tierVersion int64) error {
	if !to.Valid() {
		return fmt.Errorf("invalid tier %d", int(to))
	}

	res, err := c.db.ExecContext(ctx,
		`UPDATE files SET tier = ?, tier_version = tier_version + 1 WHERE id = ? AND tier_version = ?`,
		to.String(), id, tierVersion,
	)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a vanished record from a lost race.
	var exists int
	err = c.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check file exists: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrConflict, id)
}

// SetLastAccessed overrides the last-accessed timestamp unconditionally.
// This is an administrative operation used to age files for testing tiering
// behavior; normal access tracking goes through RecordAccess.
func (c *Catalog) SetLastAccessed(ctx context.Context, id string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE files SET last_accessed = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("set last_accessed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes the record inside a transaction, invoking cleanup with the
// record while the transaction is still open. If cleanup fails the deletion
// is rolled back, so the catalog entry and the blob are removed together or
// not at all.
func (c *Catalog) Delete(ctx context.Context, id string, cleanup func(FileRecord) error) error {
	return WithTransaction(ctx, c.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM files WHERE id = ?`, id)

		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lookup file record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete file record: %w", err)
		}

		if cleanup != nil {
			if err := cleanup(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// List sweeps every record in batches keyed by id, invoking fn for each.
// The sweep is restartable and does not hold a read transaction across the
// whole catalog; each batch sees committed state, so a record is never
// reported in a tier it never held. Returning an error from fn stops the
// sweep.
func (c *Catalog) List(ctx context.Context, fn func(FileRecord) error) error {
	const batchSize = 256

	after := ""
	for {
		recs, err := c.listBatch(ctx, after, batchSize)
		if err != nil {
			return err
		}

		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}

		if len(recs) < batchSize {
			return nil
		}
		after = recs[len(recs)-1].ID
	}
}

func (c *Catalog) listBatch(ctx context.Context, after string, limit int) ([]FileRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE id > ? ORDER BY id LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	recs := make([]FileRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TierStats aggregates file count and total payload size for one tier.
type TierStats struct {
	Count     int64
	TotalSize int64
}

// Stats summarizes the catalog per tier. Every tier is present in the map
// even when empty.
type Stats struct {
	TotalFiles int64
	TotalSize  int64
	Tiers      map[tier.Tier]TierStats
}

// Stats returns per-tier aggregates over the whole catalog.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Tiers: make(map[tier.Tier]TierStats, len(tier.All()))}
	for _, t := range tier.All() {
		stats.Tiers[t] = TierStats{}
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(size), 0) FROM files GROUP BY tier`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tierName string
			ts       TierStats
		)
		if err := rows.Scan(&tierName, &ts.Count, &ts.TotalSize); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}

		t, err := tier.Parse(tierName)
		if err != nil {
			return Stats{}, err
		}

		stats.Tiers[t] = ts
		stats.TotalFiles += ts.Count
		stats.TotalSize += ts.TotalSize
	}
	return stats, rows.Err()
}

// CountEventsSince returns the number of access events recorded for the file
// at or after the given instant.
func (c *Catalog) CountEventsSince(ctx context.Context, id string, since time.Time) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_events WHERE file_id = ? AND at >= ?`,
		id, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count access events: %w", err)
	}
	return count, nil
}

// DeleteEventsBefore drops access events older than the given instant and
// returns how many were removed. The aggregate counters on the file records
// are unaffected.
func (c *Catalog) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM access_events WHERE at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("compact access events: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
