package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/database"
)

// ErrNotFound is returned for unknown event ids
var ErrNotFound = errors.New("event not found")

const writeTimeout = 5 * time.Second

// Service journals bus events to SQLite
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a new event journal
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "event_journal"),
	}
}

// Handle records e. It has the signature of a core.EventBus subscriber.
func (s *Service) Handle(e core.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Record(ctx, e); err != nil {
		s.logger.Warn("Failed to journal event", "subject", e.Subject, "camera", e.CameraID, "error", err)
	}
}

// Record stores e, filling in a missing id or timestamp. Recording the same
// id twice keeps the first copy.
func (s *Service) Record(ctx context.Context, e core.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, subject, camera_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Subject, e.CameraID, e.Timestamp.UnixMilli(), nullString(data))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// Get retrieves an event by ID
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, camera_id, timestamp, data, acknowledged
		FROM events WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec          Record
		ts           int64
		data         sql.NullString
		acknowledged int
	)
	if err := row.Scan(&rec.ID, &rec.Subject, &rec.CameraID, &ts, &data, &acknowledged); err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(ts)
	rec.Acknowledged = acknowledged == 1
	if data.Valid {
		rec.Data = json.RawMessage(data.String)
	}
	return &rec, nil
}

// List returns matching events newest first, plus the total match count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Record, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if opts.CameraID != "" {
		where += " AND camera_id = ?"
		args = append(args, opts.CameraID)
	}
	if prefix, ok := strings.CutSuffix(opts.Subject, ".>"); ok {
		where += " AND subject LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(prefix)+".%")
	} else if opts.Subject != "" {
		where += " AND subject = ?"
		args = append(args, opts.Subject)
	}
	if !opts.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, opts.StartTime.UnixMilli())
	}
	if !opts.EndTime.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, opts.EndTime.UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query := "SELECT id, subject, camera_id, timestamp, data, acknowledged FROM events" + where +
		" ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Acknowledge marks an event as seen
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE events SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats returns journal counts, optionally for one camera
func (s *Service) Stats(ctx context.Context, cameraID string) (Stats, error) {
	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	filter, args := "", []any{}
	if cameraID != "" {
		filter, args = " AND camera_id = ?", []any{cameraID}
	}

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN acknowledged = 0 THEN 1 ELSE 0 END), 0)
		FROM events WHERE 1=1`+filter,
		append([]any{todayStart.UnixMilli()}, args...)...,
	).Scan(&st.Total, &st.Today, &st.Unacknowledged)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT subject, COUNT(*) FROM events WHERE 1=1"+filter+" GROUP BY subject", args...)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to group events: %w", err)
	}
	defer rows.Close()

	st.BySubject = make(map[string]int)
	for rows.Next() {
		var subject string
		var n int
		if err := rows.Scan(&subject, &n); err != nil {
			return Stats{}, err
		}
		st.BySubject[subject] = n
	}
	return st, rows.Err()
}

// Prune deletes events older than before and returns how many were removed
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention prunes events older than retention every interval until ctx
// is done. A non-positive retention disables pruning.
func (s *Service) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	prune := func() {
		n, err := s.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Event retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			s.logger.Info("Pruned old events", "count", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
