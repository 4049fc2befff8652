package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteRepository implements Repository on the reading_journal table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository returns a repository using db. The reading_journal
// migration must already be applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts e. A zero RecordedAt is stamped with the current time.
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	if e.MeterID == "" {
		return fmt.Errorf("meter id is required")
	}
	at := e.RecordedAt
	if at.IsZero() {
		at = r.now()
	}

	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reading_journal (meter_id, value, frozen, published, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MeterID,
		int64(e.Value), //nolint:gosec // readings stay far below MaxInt64
		e.Frozen,
		e.Published,
		errText,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, meter_id, value, frozen, published, error, recorded_at
		 FROM reading_journal
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e       Entry
			value   int64
			errText sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.MeterID, &value, &e.Frozen, &e.Published, &errText, &at); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.Value = uint64(value) //nolint:gosec // CHECK constraint keeps value >= 0
		e.Error = errText.String
		if e.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM reading_journal WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting journal entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
