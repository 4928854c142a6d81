package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
)

// Store persists tasks, run events, checkpoints, and reports in Postgres.
type Store struct {
	DB *sql.DB
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// New connects using DATABASE_URL or the POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN connects to the given Postgres DSN and verifies the connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// CreateTask inserts a new pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, t engine.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, query, platform, target_count, mode, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())`,
		t.ID, t.Query, t.Platform, t.TargetCount, t.Mode, string(engine.StatusPending))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (engine.Task, error) {
	var t engine.Task
	var status string
	var errMsg sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, query, platform, target_count, mode, status, progress, error, created_at, updated_at
		FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Query, &t.Platform, &t.TargetCount, &t.Mode, &status, &t.Progress, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Task{}, ErrNotFound
	}
	if err != nil {
		return engine.Task{}, fmt.Errorf("select task: %w", err)
	}
	t.Status = engine.Status(status)
	t.Error = errMsg.String
	return t, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]engine.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, query, platform, target_count, mode, status, progress, error, created_at, updated_at
		FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var out []engine.Task
	for rows.Next() {
		var t engine.Task
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&t.ID, &t.Query, &t.Platform, &t.TargetCount, &t.Mode, &status, &t.Progress, &errMsg, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = engine.Status(status)
		t.Error = errMsg.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task to a new status; errMsg is stored only for
// failures.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status engine.Status, errMsg string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = $2, error = NULLIF($3, ''), updated_at = NOW() WHERE id = $1`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

// UpdateProgress records run progress.
func (s *Store) UpdateProgress(ctx context.Context, id string, pct float64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET progress = $2, updated_at = NOW() WHERE id = $1`, id, pct)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent stores one run event.
func (s *Store) AppendEvent(ctx context.Context, taskID string, ev engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		taskID, ev.Type, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a task's events oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]engine.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT payload FROM task_events WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev engine.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveCheckpoint upserts the latest resume state for a task. One row per
// task; a later stage replaces the earlier one.
func (s *Store) SaveCheckpoint(ctx context.Context, taskID, stage string, state engine.ResumeState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO task_checkpoints (task_id, stage, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_id) DO UPDATE SET stage = EXCLUDED.stage, state = EXCLUDED.state, updated_at = NOW()`,
		taskID, stage, payload)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent resume state and the stage it
// follows, or ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (string, engine.ResumeState, error) {
	var stage string
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT stage, state FROM task_checkpoints WHERE task_id = $1`, taskID).
		Scan(&stage, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.ResumeState{}, ErrNotFound
	}
	if err != nil {
		return "", engine.ResumeState{}, fmt.Errorf("select checkpoint: %w", err)
	}
	var state engine.ResumeState
	if err := json.Unmarshal(payload, &state); err != nil {
		return "", engine.ResumeState{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return stage, state, nil
}

// SaveReport stores the final artifact for a task, replacing any earlier one.
func (s *Store) SaveReport(ctx context.Context, taskID string, r engine.Report) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("marshal report items: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO reports (task_id, query, platform, item_count, items, markdown, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			item_count = EXCLUDED.item_count,
			items = EXCLUDED.items,
			markdown = EXCLUDED.markdown,
			generated_at = EXCLUDED.generated_at`,
		taskID, r.Query, r.Platform, r.ItemCount, items, r.Markdown, r.GeneratedAt)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport loads a task's report.
func (s *Store) GetReport(ctx context.Context, taskID string) (engine.Report, error) {
	var r engine.Report
	var items []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT query, platform, item_count, items, markdown, generated_at
		FROM reports WHERE task_id = $1`, taskID).
		Scan(&r.Query, &r.Platform, &r.ItemCount, &items, &r.Markdown, &r.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Report{}, ErrNotFound
	}
	if err != nil {
		return engine.Report{}, fmt.Errorf("select report: %w", err)
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return engine.Report{}, fmt.Errorf("decode report items: %w", err)
	}
	return r, nil
}

// ListReports returns stored reports newest first, without item payloads.
func (s *Store) ListReports(ctx context.Context, limit int) ([]engine.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT query, platform, item_count, markdown, generated_at
		FROM reports ORDER BY generated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select reports: %w", err)
	}
	defer rows.Close()

	var out []engine.Report
	for rows.Next() {
		var r engine.Report
		if err := rows.Scan(&r.Query, &r.Platform, &r.ItemCount, &r.Markdown, &r.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
