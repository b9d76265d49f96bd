// Package store is the durable record layer for tasks, transcript events,
// call outcomes, and the connected Google account. It is an embedded SQLite
// database; the gateway is single-process and every write is an independent
// per-row operation.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/voxdial/voxdial/pkg/task"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOutcomeExists     = errors.New("task already has an outcome")
)

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory
	// database, used by tests.
	Path   string
	Logger *slog.Logger
}

func (c *Config) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Store is the SQLite-backed durable store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database, applies pending migrations, and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the relay sessions and the HTTP layer.
	db.SetMaxOpenConns(1)

	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cfg.Logger.Debug("store initialized", "path", cfg.Path)
	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// NewID returns a fresh entity identifier.
func NewID() string { return ulid.Make().String() }

// CreateTask inserts a new task in DRAFT.
func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = task.StatusDraft
	}
	if !t.Status.Valid() {
		return task.Task{}, fmt.Errorf("invalid status %q", t.Status)
	}

	const q = `
		INSERT INTO tasks (id, created_at, context_name, context_phone, context_notes, instruction_text, status, call_id, outcome_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '')
	`
	_, err := s.db.ExecContext(ctx, q, t.ID, t.CreatedAt.UnixNano(), t.ContextName, t.ContextPhone, t.ContextNotes, t.InstructionText, string(t.Status))
	if err != nil {
		return task.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask returns a task by id without its transcript or outcome.
func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	const q = `
		SELECT id, created_at, context_name, context_phone, context_notes, instruction_text, status, call_id, outcome_id
		FROM tasks WHERE id = ?
	`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// GetTaskDetail returns a task with its transcript (ascending by time) and
// outcome attached.
func (s *Store) GetTaskDetail(ctx context.Context, id string) (task.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	events, err := s.ListTranscript(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	t.Transcript = events
	outcome, err := s.GetOutcomeByTask(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return task.Task{}, err
	}
	if err == nil {
		t.Outcome = &outcome
	}
	return t, nil
}

// ListTasks returns all tasks, newest first, each with its outcome attached
// when one exists.
func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	const q = `
		SELECT t.id, t.created_at, t.context_name, t.context_phone, t.context_notes, t.instruction_text, t.status, t.call_id, t.outcome_id,
		       o.id, o.summary_text, o.extracted_fields_json, o.calendar_event_id, o.needs_user_action, o.created_at
		FROM tasks t
		LEFT JOIN outcomes o ON o.task_id = t.id
		ORDER BY t.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var t task.Task
		var createdAt int64
		var oID, oSummary, oFields, oCalEvent sql.NullString
		var oNeedsAction sql.NullBool
		var oCreatedAt sql.NullInt64
		err := rows.Scan(
			&t.ID, &createdAt, &t.ContextName, &t.ContextPhone, &t.ContextNotes, &t.InstructionText, &t.Status, &t.CallID, &t.OutcomeID,
			&oID, &oSummary, &oFields, &oCalEvent, &oNeedsAction, &oCreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		if oID.Valid {
			t.Outcome = &task.Outcome{
				ID:              oID.String,
				TaskID:          t.ID,
				SummaryText:     oSummary.String,
				ExtractedFields: task.UnmarshalFields(oFields.String),
				CalendarEventID: oCalEvent.String,
				NeedsUserAction: oNeedsAction.Bool,
				CreatedAt:       time.Unix(0, oCreatedAt.Int64).UTC(),
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus advances a task along the lifecycle graph. Illegal
// transitions are rejected with ErrInvalidTransition and leave the stored
// status untouched.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, to task.Status) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current task.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if !current.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	if current == to {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return tx.Commit()
}

// TaskStatus returns just the stored status for a task.
func (s *Store) TaskStatus(ctx context.Context, id string) (task.Status, error) {
	var status task.Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	return status, nil
}

// SetTaskCallID records the external call identifier for the current attempt.
// The id is set at most once per attempt; a second write is a no-op.
func (s *Store) SetTaskCallID(ctx context.Context, id, callID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET call_id = ? WHERE id = ? AND call_id = ''`, callID, id)
	if err != nil {
		return fmt.Errorf("set call id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}

// ClearTaskCallID resets the call identifier at the start of a new attempt.
func (s *Store) ClearTaskCallID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET call_id = '' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("clear call id: %w", err)
	}
	return nil
}

// AppendTranscript persists one utterance segment. Events are append-only.
func (s *Store) AppendTranscript(ctx context.Context, ev task.TranscriptEvent) (task.TranscriptEvent, error) {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	const q = `INSERT INTO transcript_events (id, task_id, ts, speaker, text) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, ev.ID, ev.TaskID, ev.TS.UnixNano(), string(ev.Speaker), ev.Text); err != nil {
		return task.TranscriptEvent{}, fmt.Errorf("insert transcript event: %w", err)
	}
	return ev, nil
}

// ListTranscript returns all transcript events for a task in non-decreasing
// timestamp order; ids break timestamp ties deterministically.
func (s *Store) ListTranscript(ctx context.Context, taskID string) ([]task.TranscriptEvent, error) {
	const q = `
		SELECT id, task_id, ts, speaker, text
		FROM transcript_events
		WHERE task_id = ?
		ORDER BY ts ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []task.TranscriptEvent
	for rows.Next() {
		var ev task.TranscriptEvent
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ts, &ev.Speaker, &ev.Text); err != nil {
			return nil, fmt.Errorf("scan transcript event: %w", err)
		}
		ev.TS = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CreateOutcome persists the single outcome for a task and links it from the
// task row. A second outcome for the same task fails with ErrOutcomeExists.
func (s *Store) CreateOutcome(ctx context.Context, o task.Outcome) (task.Outcome, error) {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM outcomes WHERE task_id = ?`, o.TaskID).Scan(&exists)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("check outcome: %w", err)
	}
	if exists > 0 {
		return task.Outcome{}, ErrOutcomeExists
	}

	const q = `
		INSERT INTO outcomes (id, task_id, summary_text, extracted_fields_json, calendar_event_id, needs_user_action, created_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
	`
	_, err = tx.ExecContext(ctx, q, o.ID, o.TaskID, o.SummaryText, task.MarshalFields(o.ExtractedFields), o.NeedsUserAction, o.CreatedAt.UnixNano())
	if err != nil {
		return task.Outcome{}, fmt.Errorf("insert outcome: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET outcome_id = ? WHERE id = ?`, o.ID, o.TaskID); err != nil {
		return task.Outcome{}, fmt.Errorf("link outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return task.Outcome{}, fmt.Errorf("commit outcome: %w", err)
	}
	return o, nil
}

// GetOutcomeByTask returns the outcome for a task, ErrNotFound if none.
func (s *Store) GetOutcomeByTask(ctx context.Context, taskID string) (task.Outcome, error) {
	const q = `
		SELECT id, task_id, summary_text, extracted_fields_json, calendar_event_id, needs_user_action, created_at
		FROM outcomes WHERE task_id = ?
	`
	var o task.Outcome
	var fields string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(&o.ID, &o.TaskID, &o.SummaryText, &fields, &o.CalendarEventID, &o.NeedsUserAction, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Outcome{}, ErrNotFound
	}
	if err != nil {
		return task.Outcome{}, fmt.Errorf("query outcome: %w", err)
	}
	o.ExtractedFields = task.UnmarshalFields(fields)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	return o, nil
}

// SetOutcomeCalendarEvent attaches a calendar event reference to an outcome.
// Once set the reference is never overwritten; the stored value is returned.
func (s *Store) SetOutcomeCalendarEvent(ctx context.Context, outcomeID, eventID string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outcomes SET calendar_event_id = ? WHERE id = ? AND calendar_event_id = ''`,
		eventID, outcomeID,
	)
	if err != nil {
		return "", fmt.Errorf("set calendar event: %w", err)
	}
	var stored string
	err = s.db.QueryRowContext(ctx, `SELECT calendar_event_id FROM outcomes WHERE id = ?`, outcomeID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read calendar event: %w", err)
	}
	return stored, nil
}

// Account is a connected Google account with stored OAuth tokens.
type Account struct {
	ID           string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
}

// UpsertAccount stores or refreshes the connected account's credentials,
// keyed by email.
func (s *Store) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	const q = `
		INSERT INTO accounts (id, email, access_token, refresh_token, token_expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry
	`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.Email, a.AccessToken, a.RefreshToken, a.TokenExpiry.UnixNano(), a.CreatedAt.UnixNano())
	if err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return a, nil
}

// FirstAccount returns the single connected account. The gateway assumes at
// most one authenticated account; with more than one the oldest wins and a
// warning is logged.
func (s *Store) FirstAccount(ctx context.Context) (Account, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts`).Scan(&total); err != nil {
		return Account{}, fmt.Errorf("count accounts: %w", err)
	}
	if total == 0 {
		return Account{}, ErrNotFound
	}
	if total > 1 {
		s.logger.Warn("multiple connected accounts; using oldest", "count", total)
	}

	const q = `
		SELECT id, email, access_token, refresh_token, token_expiry, created_at
		FROM accounts ORDER BY created_at ASC LIMIT 1
	`
	var a Account
	var expiry, createdAt int64
	err := s.db.QueryRowContext(ctx, q).Scan(&a.ID, &a.Email, &a.AccessToken, &a.RefreshToken, &expiry, &createdAt)
	if err != nil {
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	a.TokenExpiry = time.Unix(0, expiry).UTC()
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var createdAt int64
	err := row.Scan(&t.ID, &createdAt, &t.ContextName, &t.ContextPhone, &t.ContextNotes, &t.InstructionText, &t.Status, &t.CallID, &t.OutcomeID)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return t, nil
}
