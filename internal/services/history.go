package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MWhitburn/fleetscan/internal/store"
	"github.com/MWhitburn/fleetscan/pkg/models"
)

// HistoryRepository provides access to past scan records.
type HistoryRepository interface {
	// Get returns a single scan record by ID.
	Get(ctx context.Context, id string) (*models.ScanRecord, error)

	// List returns a paginated list of scans ordered by start time.
	List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanRecord], error)

	// Create inserts a new scan record. If rec.ID is empty, a UUID is generated.
	Create(ctx context.Context, rec *models.ScanRecord) error

	// Finish records a scan's terminal state and counters.
	Finish(ctx context.Context, id, status string, found, probed int, errMsg string) error
}

// Compile-time interface guard.
var _ HistoryRepository = (*SQLiteHistoryRepository)(nil)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a HistoryRepository. The scan_history
// table must already exist (apply HistoryMigrations first).
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// HistoryMigrations returns the schema for the history component.
func HistoryMigrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create scan_history",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS scan_history (
						id         TEXT PRIMARY KEY,
						groups     TEXT NOT NULL,
						started_at TEXT NOT NULL,
						ended_at   TEXT,
						status     TEXT NOT NULL,
						probed     INTEGER NOT NULL DEFAULT 0,
						found      INTEGER NOT NULL DEFAULT 0,
						error_msg  TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX IF NOT EXISTS idx_scan_history_started
						ON scan_history (started_at);
				`)
				return err
			},
		},
	}
}

func (r *SQLiteHistoryRepository) Get(ctx context.Context, id string) (*models.ScanRecord, error) {
	var rec models.ScanRecord
	var groups string
	var endedAt sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, groups, started_at, ended_at, status, probed, found, error_msg
		FROM scan_history WHERE id = ?`, id,
	).Scan(&rec.ID, &groups, &rec.StartedAt, &endedAt, &rec.Status,
		&rec.Probed, &rec.Found, &rec.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scan %q: %w", id, err)
	}
	if endedAt.Valid {
		rec.EndedAt = endedAt.String
	}
	if err := json.Unmarshal([]byte(groups), &rec.Groups); err != nil {
		return nil, fmt.Errorf("decode groups for scan %q: %w", id, err)
	}
	return &rec, nil
}

func (r *SQLiteHistoryRepository) List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanRecord], error) {
	opts = normalizeListOptions(opts)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_history`,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}

	// Scans are always ordered by started_at.
	orderDir := "DESC"
	if opts.SortOrder == "asc" {
		orderDir = "ASC"
	}

	//nolint:gosec // orderDir is validated above
	query := fmt.Sprintf(
		`SELECT id, groups, started_at, ended_at, status, probed, found, error_msg
		FROM scan_history ORDER BY started_at %s LIMIT ? OFFSET ?`, orderDir)

	rows, err := r.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var recs []models.ScanRecord
	for rows.Next() {
		var rec models.ScanRecord
		var groups string
		var endedAt sql.NullString
		if err := rows.Scan(&rec.ID, &groups, &rec.StartedAt, &endedAt,
			&rec.Status, &rec.Probed, &rec.Found, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if endedAt.Valid {
			rec.EndedAt = endedAt.String
		}
		if err := json.Unmarshal([]byte(groups), &rec.Groups); err != nil {
			return nil, fmt.Errorf("decode groups for scan %q: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	if recs == nil {
		recs = []models.ScanRecord{}
	}

	return &ListResult[models.ScanRecord]{Items: recs, Total: total}, nil
}

func (r *SQLiteHistoryRepository) Create(ctx context.Context, rec *models.ScanRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt == "" {
		rec.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if rec.Status == "" {
		rec.Status = "running"
	}

	groups, err := json.Marshal(rec.Groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scan_history (id, groups, started_at, status)
		VALUES (?, ?, ?, ?)`,
		rec.ID, string(groups), rec.StartedAt, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("create scan record: %w", err)
	}
	return nil
}

func (r *SQLiteHistoryRepository) Finish(ctx context.Context, id, status string, found, probed int, errMsg string) error {
	endedAt := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE scan_history SET status = ?, ended_at = ?, found = ?, probed = ?, error_msg = ?
		WHERE id = ?`,
		status, endedAt, found, probed, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("finish scan record: %w", err)
	}
	return nil
}
