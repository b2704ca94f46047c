package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/obslog"
)

const timeFormat = time.RFC3339Nano

// SQLiteRepository persists cache state in a single embedded SQLite
// database file (modernc.org/sqlite, pure Go, no cgo).
type SQLiteRepository struct {
	db  *sql.DB
	log *slog.Logger
}

var _ Repository = (*SQLiteRepository)(nil)

// Open creates (or reuses) a SQLite database at path, applies pending
// migrations, and returns a ready repository.
func Open(path string, logger *slog.Logger) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create repository directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time is simplest and correct here.

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:  db,
		log: obslog.Default(logger).With("component", "repository"),
	}, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func entryColumns() string {
	return `id, source_id, media_id, quality, original_url, file_path, content_type,
		expected_total_size, downloaded_bytes, is_complete, created_at, last_accessed_at,
		access_count, codec, container, resolution, bitrate_bps, duration_ns, etag, expiration`
}

func scanEntry(row interface{ Scan(...any) error }) (*cachecore.CacheEntry, error) {
	var e cachecore.CacheEntry
	var isComplete int
	var createdAt, lastAccessedAt string
	var expiration sql.NullString
	var durationNs int64

	err := row.Scan(&e.ID, &e.Identity.SourceID, &e.Identity.MediaID, &e.Identity.Quality,
		&e.OriginalURL, &e.FilePath, &e.ContentType,
		&e.ExpectedTotalSize, &e.DownloadedBytes, &isComplete, &createdAt, &lastAccessedAt,
		&e.AccessCount, &e.Metadata.Codec, &e.Metadata.Container, &e.Metadata.Resolution,
		&e.Metadata.BitrateBps, &durationNs, &e.Metadata.ETag, &expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.IsComplete = isComplete != 0
	e.Metadata.Duration = time.Duration(durationNs)
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.LastAccessedAt, err = time.Parse(timeFormat, lastAccessedAt); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	if expiration.Valid {
		if e.Metadata.Expiration, err = time.Parse(timeFormat, expiration.String); err != nil {
			return nil, fmt.Errorf("parse expiration: %w", err)
		}
	}
	return &e, nil
}

func (r *SQLiteRepository) FindEntryByIdentity(ctx context.Context, id cachecore.Identity) (*cachecore.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+entryColumns()+" FROM entries WHERE source_id = ? AND media_id = ? AND quality = ?",
		id.SourceID, id.MediaID, id.Quality)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("find entry by identity %+v: %w", id, err)
	}
	return e, nil
}

func (r *SQLiteRepository) FindEntryByID(ctx context.Context, id int64) (*cachecore.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+entryColumns()+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("find entry %d: %w", id, err)
	}
	if e == nil {
		return nil, &cachecore.NotFoundError{Resource: fmt.Sprintf("entry %d", id)}
	}
	return e, nil
}

func (r *SQLiteRepository) InsertEntry(ctx context.Context, e *cachecore.CacheEntry) (int64, error) {
	var expiration any
	if !e.Metadata.Expiration.IsZero() {
		expiration = e.Metadata.Expiration.Format(timeFormat)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO entries (source_id, media_id, quality, original_url, file_path, content_type,
			expected_total_size, downloaded_bytes, is_complete, created_at, last_accessed_at,
			access_count, codec, container, resolution, bitrate_bps, duration_ns, etag, expiration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Identity.SourceID, e.Identity.MediaID, e.Identity.Quality, e.OriginalURL, e.FilePath, e.ContentType,
		e.ExpectedTotalSize, e.DownloadedBytes, boolToInt(e.IsComplete),
		e.CreatedAt.Format(timeFormat), e.LastAccessedAt.Format(timeFormat), e.AccessCount,
		e.Metadata.Codec, e.Metadata.Container, e.Metadata.Resolution, e.Metadata.BitrateBps,
		int64(e.Metadata.Duration), e.Metadata.ETag, expiration)
	if err != nil {
		return 0, fmt.Errorf("insert entry %+v: %w", e.Identity, err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) UpdateEntry(ctx context.Context, e *cachecore.CacheEntry) error {
	var expiration any
	if !e.Metadata.Expiration.IsZero() {
		expiration = e.Metadata.Expiration.Format(timeFormat)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE entries SET original_url = ?, file_path = ?, content_type = ?, expected_total_size = ?,
			downloaded_bytes = ?, is_complete = ?, last_accessed_at = ?, access_count = ?,
			codec = ?, container = ?, resolution = ?, bitrate_bps = ?, duration_ns = ?, etag = ?, expiration = ?
		WHERE id = ?
	`, e.OriginalURL, e.FilePath, e.ContentType, e.ExpectedTotalSize, e.DownloadedBytes,
		boolToInt(e.IsComplete), e.LastAccessedAt.Format(timeFormat), e.AccessCount,
		e.Metadata.Codec, e.Metadata.Container, e.Metadata.Resolution, e.Metadata.BitrateBps,
		int64(e.Metadata.Duration), e.Metadata.ETag, expiration, e.ID)
	if err != nil {
		return fmt.Errorf("update entry %d: %w", e.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context) ([]cachecore.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+entryColumns()+" FROM entries")
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var result []cachecore.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) AddChunk(ctx context.Context, c *cachecore.CacheChunk) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chunks (cache_entry_id, start_byte, end_byte, downloaded_at)
		VALUES (?, ?, ?, ?)
	`, c.CacheEntryID, c.StartByte, c.EndByte, c.DownloadedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("add chunk for entry %d: %w", c.CacheEntryID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetChunksForEntry(ctx context.Context, entryID int64) ([]cachecore.CacheChunk, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, cache_entry_id, start_byte, end_byte, downloaded_at FROM chunks WHERE cache_entry_id = ? ORDER BY start_byte",
		entryID)
	if err != nil {
		return nil, fmt.Errorf("get chunks for entry %d: %w", entryID, err)
	}
	defer rows.Close()

	var result []cachecore.CacheChunk
	for rows.Next() {
		var c cachecore.CacheChunk
		var downloadedAt string
		if err := rows.Scan(&c.ID, &c.CacheEntryID, &c.StartByte, &c.EndByte, &downloadedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if c.DownloadedAt, err = time.Parse(timeFormat, downloadedAt); err != nil {
			return nil, fmt.Errorf("parse downloaded_at: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// rangeSetForEntry loads and merges every chunk record for entryID into a
// single ByteRangeSet, since "has this range" and "what's missing" must
// treat overlapping raw records as a union (spec's §3.2 CacheChunk
// invariant: chunks may overlap; queries treat the set as a union).
func (r *SQLiteRepository) rangeSetForEntry(ctx context.Context, entryID int64) (*cachecore.ByteRangeSet, error) {
	chunks, err := r.GetChunksForEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	set := cachecore.NewByteRangeSet()
	for _, c := range chunks {
		set.Add(uint64(c.StartByte), uint64(c.EndByte)+1)
	}
	return set, nil
}

func (r *SQLiteRepository) HasByteRange(ctx context.Context, entryID int64, start, end int64) (bool, error) {
	set, err := r.rangeSetForEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	return set.ContainsRange(uint64(start), uint64(end)), nil
}

func (r *SQLiteRepository) GetMissingRanges(ctx context.Context, entryID int64, start, end int64) ([]cachecore.ByteRange, error) {
	set, err := r.rangeSetForEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return set.GetMissingRanges(uint64(start), uint64(end)), nil
}

func (r *SQLiteRepository) DeleteChunksForEntry(ctx context.Context, entryID int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM chunks WHERE cache_entry_id = ?", entryID); err != nil {
		return fmt.Errorf("delete chunks for entry %d: %w", entryID, err)
	}
	return nil
}

// DeleteChunksInRange removes/truncates chunk records overlapping
// [start, end) — used by corruption recovery before a range is re-fetched.
// Overlapping records are split in Go (not SQL) since SQLite has no
// interval-splitting primitive; each affected row is replaced.
func (r *SQLiteRepository) DeleteChunksInRange(ctx context.Context, entryID int64, start, end int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete-range tx for entry %d: %w", entryID, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, start_byte, end_byte, downloaded_at FROM chunks WHERE cache_entry_id = ? AND start_byte < ? AND end_byte >= ?",
		entryID, end, start)
	if err != nil {
		return fmt.Errorf("query overlapping chunks for entry %d: %w", entryID, err)
	}
	type row struct {
		id                 int64
		startByte, endByte int64
		downloadedAt       string
	}
	var overlapping []row
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.id, &rw.startByte, &rw.endByte, &rw.downloadedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan overlapping chunk: %w", err)
		}
		overlapping = append(overlapping, rw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, rw := range overlapping {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE id = ?", rw.id); err != nil {
			return fmt.Errorf("delete chunk %d: %w", rw.id, err)
		}
		if rw.startByte < start {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (cache_entry_id, start_byte, end_byte, downloaded_at) VALUES (?, ?, ?, ?)
			`, entryID, rw.startByte, start-1, rw.downloadedAt); err != nil {
				return fmt.Errorf("re-insert left remainder of chunk %d: %w", rw.id, err)
			}
		}
		if rw.endByte >= end {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (cache_entry_id, start_byte, end_byte, downloaded_at) VALUES (?, ?, ?, ?)
			`, entryID, end, rw.endByte, rw.downloadedAt); err != nil {
				return fmt.Errorf("re-insert right remainder of chunk %d: %w", rw.id, err)
			}
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) GetDownloadedBytes(ctx context.Context, entryID int64) (int64, error) {
	set, err := r.rangeSetForEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	return int64(set.TotalBytes()), nil
}

func (r *SQLiteRepository) GetEntriesForCleanup(ctx context.Context, limit int) ([]CleanupCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+entryColumns()+" FROM entries ORDER BY last_accessed_at ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("get entries for cleanup: %w", err)
	}
	defer rows.Close()

	var result []CleanupCandidate
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cleanup candidate: %w", err)
		}
		bytes, err := r.GetDownloadedBytes(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, CleanupCandidate{Entry: *e, Bytes: bytes})
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) DeleteOldEntries(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(timeFormat)
	res, err := r.db.ExecContext(ctx, "DELETE FROM entries WHERE last_accessed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SQLiteRepository) EnqueuePending(ctx context.Context, item *cachecore.DownloadQueueItem) (int64, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO download_queue (cache_entry_id, chunk_index, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, item.CacheEntryID, item.ChunkIndex, string(cachecore.QueueStatusPending), item.RetryCount, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue pending download for entry %d: %w", item.CacheEntryID, err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]cachecore.DownloadQueueItem, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, cache_entry_id, chunk_index, status, retry_count, created_at, updated_at FROM download_queue WHERE status = ?",
		string(cachecore.QueueStatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending queue items: %w", err)
	}
	defer rows.Close()

	var result []cachecore.DownloadQueueItem
	for rows.Next() {
		var item cachecore.DownloadQueueItem
		var status, createdAt, updatedAt string
		if err := rows.Scan(&item.ID, &item.CacheEntryID, &item.ChunkIndex, &status, &item.RetryCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Status = cachecore.QueueStatus(status)
		if item.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, err
		}
		if item.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) UpdateQueueStatus(ctx context.Context, id int64, status cachecore.QueueStatus) error {
	_, err := r.db.ExecContext(ctx, "UPDATE download_queue SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("update queue item %d status: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) IncrementQueueRetry(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE download_queue SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("increment retry for queue item %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) RemoveQueueItem(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM download_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove queue item %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) incrCounter(ctx context.Context, name string, n int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stats_counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value
	`, name, n)
	if err != nil {
		return fmt.Errorf("increment counter %q: %w", name, err)
	}
	return nil
}

func (r *SQLiteRepository) IncrHits(ctx context.Context, n int64) error        { return r.incrCounter(ctx, "hits", n) }
func (r *SQLiteRepository) IncrMisses(ctx context.Context, n int64) error      { return r.incrCounter(ctx, "misses", n) }
func (r *SQLiteRepository) IncrBytesServed(ctx context.Context, n int64) error { return r.incrCounter(ctx, "bytes_served", n) }

func (r *SQLiteRepository) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := r.db.QueryContext(ctx, "SELECT name, value FROM stats_counters")
	if err != nil {
		return s, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return s, fmt.Errorf("scan stats counter: %w", err)
		}
		switch name {
		case "hits":
			s.Hits = value
		case "misses":
			s.Misses = value
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(downloaded_bytes), 0) FROM entries").
		Scan(&s.FileCount, &s.TotalBytes); err != nil {
		return s, fmt.Errorf("get entry totals: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) ValidateOnStartup(ctx context.Context, fileSize func(entryID int64) (int64, bool)) (int, error) {
	entries, err := r.ListEntries(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		size, exists := fileSize(e.ID)
		if !exists {
			r.log.Warn("removing entry with missing cache file", "entry_id", e.ID, "file_path", e.FilePath)
			if err := r.deleteEntryAndChunks(ctx, e.ID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		if e.IsComplete && e.ExpectedTotalSize >= 0 && size != e.ExpectedTotalSize {
			r.log.Warn("removing entry with size mismatch", "entry_id", e.ID, "on_disk", size, "expected", e.ExpectedTotalSize)
			if err := r.deleteEntryAndChunks(ctx, e.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (r *SQLiteRepository) deleteEntryAndChunks(ctx context.Context, entryID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete-entry tx for %d: %w", entryID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE cache_entry_id = ?", entryID); err != nil {
		return fmt.Errorf("delete chunks for entry %d: %w", entryID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM download_queue WHERE cache_entry_id = ?", entryID); err != nil {
		return fmt.Errorf("delete queue items for entry %d: %w", entryID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", entryID); err != nil {
		return fmt.Errorf("delete entry %d: %w", entryID, err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
