// Package sqlite provides the SQLite-backed Task Registry: a single
// durable "tasks" table behind a single-writer/multi-reader connection
// split, following the same pattern the rest of the codebase uses for its
// own task storage.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/kandev/internal/common/tracing"
	"github.com/kandev/kandev/internal/db"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/task"
)

// Registry is a task.Registry backed by a SQLite database file.
type Registry struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens (and if necessary creates) the tasks database at path and
// ensures its schema exists. A corrupted or unusable database is a
// fatal-init error, per spec §7.
func Open(path string) (*Registry, error) {
	writerDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, opserr.Wrap(opserr.KindFatalInit, "open task registry", err)
	}
	readerDB, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writerDB.Close()
		return nil, opserr.Wrap(opserr.KindFatalInit, "open task registry reader", err)
	}

	writer := sqlx.NewDb(writerDB, "sqlite3")
	reader := sqlx.NewDb(readerDB, "sqlite3")

	r := &Registry{writer: writer, reader: reader}
	if err := r.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, opserr.Wrap(opserr.KindFatalInit, "initialize task registry schema", err)
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	_, err := r.writer.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			origin            TEXT NOT NULL,
			status            TEXT NOT NULL,
			instruction       TEXT NOT NULL,
			working_dir       TEXT NOT NULL DEFAULT '',
			mode              TEXT NOT NULL,
			model             TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			completed_at      INTEGER NOT NULL DEFAULT 0,
			thread_id         TEXT NOT NULL DEFAULT '',
			environment_id    TEXT NOT NULL DEFAULT '',
			remote_id         TEXT NOT NULL DEFAULT '',
			result            TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',
			progress_snapshot TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return err
	}
	if _, err := r.writer.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_origin ON tasks(origin)`); err != nil {
		return err
	}
	if _, err := r.writer.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`); err != nil {
		return err
	}
	if _, err := r.writer.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`); err != nil {
		return err
	}
	return nil
}

// row mirrors the tasks table shape for sqlx scanning.
type row struct {
	ID               string `db:"id"`
	Origin           string `db:"origin"`
	Status           string `db:"status"`
	Instruction      string `db:"instruction"`
	WorkingDir       string `db:"working_dir"`
	Mode             string `db:"mode"`
	Model            string `db:"model"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
	CompletedAt      int64  `db:"completed_at"`
	ThreadID         string `db:"thread_id"`
	EnvironmentID    string `db:"environment_id"`
	RemoteID         string `db:"remote_id"`
	Result           string `db:"result"`
	Error            string `db:"error"`
	ProgressSnapshot string `db:"progress_snapshot"`
}

func fromTask(t *task.Task) (*row, error) {
	var resultJSON, progressJSON string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, err
		}
		resultJSON = string(b)
	}
	if t.ProgressSnapshot != nil {
		b, err := json.Marshal(t.ProgressSnapshot)
		if err != nil {
			return nil, err
		}
		progressJSON = string(b)
	}
	return &row{
		ID:               t.ID,
		Origin:           string(t.Origin),
		Status:           string(t.Status),
		Instruction:      t.Instruction,
		WorkingDir:       t.WorkingDir,
		Mode:             string(t.Mode),
		Model:            t.Model,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
		ThreadID:         t.ThreadID,
		EnvironmentID:    t.EnvironmentID,
		RemoteID:         t.RemoteID,
		Result:           resultJSON,
		Error:            t.Error,
		ProgressSnapshot: progressJSON,
	}, nil
}

func (r *row) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:            r.ID,
		Origin:        task.Origin(r.Origin),
		Status:        task.Status(r.Status),
		Instruction:   r.Instruction,
		WorkingDir:    r.WorkingDir,
		Mode:          task.Mode(r.Mode),
		Model:         r.Model,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
		ThreadID:      r.ThreadID,
		EnvironmentID: r.EnvironmentID,
		RemoteID:      r.RemoteID,
		Error:         r.Error,
	}
	if r.Result != "" {
		var res task.Result
		if err := json.Unmarshal([]byte(r.Result), &res); err != nil {
			return nil, err
		}
		t.Result = &res
	}
	if r.ProgressSnapshot != "" {
		var p task.ProgressSnapshot
		if err := json.Unmarshal([]byte(r.ProgressSnapshot), &p); err != nil {
			return nil, err
		}
		t.ProgressSnapshot = &p
	}
	return t, nil
}

const rowColumns = `id, origin, status, instruction, working_dir, mode, model, created_at, updated_at, completed_at, thread_id, environment_id, remote_id, result, error, progress_snapshot`

// Create inserts a new task. Fails if the ID already exists.
func (r *Registry) Create(ctx context.Context, t *task.Task) error {
	rec, err := fromTask(t)
	if err != nil {
		return err
	}

	var exists int
	if err := r.writer.GetContext(ctx, &exists, r.writer.Rebind(`SELECT COUNT(*) FROM tasks WHERE id = ?`), t.ID); err != nil {
		return err
	}
	if exists > 0 {
		return opserr.New(opserr.KindValidation, fmt.Sprintf("task %s already exists", t.ID))
	}

	_, err = r.namedExec(ctx, `
		INSERT INTO tasks (`+rowColumns+`)
		VALUES (:id, :origin, :status, :instruction, :working_dir, :mode, :model, :created_at, :updated_at, :completed_at, :thread_id, :environment_id, :remote_id, :result, :error, :progress_snapshot)
	`, rec)
	return err
}

// namedExec is a tiny helper so Create can use a Rebind'd named query
// without pulling in sqlx's NamedExecContext indirection elsewhere.
// (sqlx.DB.ExecContext does not expand named params; use NamedExecContext.)
func (r *Registry) namedExec(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	return r.writer.NamedExecContext(ctx, query, arg)
}

// Get returns the task with the given ID, or (nil, false) if absent.
func (r *Registry) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	var rec row
	err := r.reader.GetContext(ctx, &rec, r.reader.Rebind(`SELECT `+rowColumns+` FROM tasks WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	t, err := rec.toTask()
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Query returns a finite, ordered sequence of tasks matching q.
func (r *Registry) Query(ctx context.Context, q task.Query) ([]*task.Task, error) {
	ctx, span := tracing.Tracer("agentd-registry").Start(ctx, "registry.query")
	defer span.End()

	query := `SELECT ` + rowColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if q.Origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(q.Origin))
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.WorkingDir != "" {
		query += ` AND working_dir = ?`
		args = append(args, q.WorkingDir)
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var recs []row
	if err := r.reader.SelectContext(ctx, &recs, r.reader.Rebind(query), args...); err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(recs))
	for i := range recs {
		t, err := recs[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Update applies patch to the stored task, rejecting illegal status
// transitions, and stamps UpdatedAt.
func (r *Registry) Update(ctx context.Context, id string, patch func(*task.Task) error) (*task.Task, error) {
	var rec row
	err := r.writer.GetContext(ctx, &rec, r.writer.Rebind(`SELECT `+rowColumns+` FROM tasks WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, opserr.New(opserr.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	t, err := rec.toTask()
	if err != nil {
		return nil, err
	}

	before := t.Status
	if err := patch(t); err != nil {
		return nil, err
	}
	if !task.CanTransition(before, t.Status) {
		return nil, opserr.New(opserr.KindValidation, fmt.Sprintf("illegal status transition %s -> %s for task %s", before, t.Status, id))
	}
	t.Touch()
	if t.Status.Terminal() {
		t.MarkTerminal()
	}

	newRec, err := fromTask(t)
	if err != nil {
		return nil, err
	}
	_, err = r.namedExec(ctx, `
		UPDATE tasks SET
			status = :status, instruction = :instruction, working_dir = :working_dir,
			mode = :mode, model = :model, updated_at = :updated_at, completed_at = :completed_at,
			thread_id = :thread_id, environment_id = :environment_id, remote_id = :remote_id,
			result = :result, error = :error, progress_snapshot = :progress_snapshot
		WHERE id = :id
	`, newRec)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Evict removes a terminal task. No-op if the task is non-terminal or absent.
func (r *Registry) Evict(ctx context.Context, id string) error {
	t, ok, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok || !t.Status.Terminal() {
		return nil
	}
	_, err = r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	return err
}

// Reconcile runs once at startup for every non-terminal task of the given
// origin, handing each to resolve and committing whatever replacement it
// returns.
func (r *Registry) Reconcile(ctx context.Context, origin task.Origin, resolve func(*task.Task) (*task.Task, error)) error {
	var recs []row
	err := r.writer.SelectContext(ctx, &recs, r.writer.Rebind(`
		SELECT `+rowColumns+` FROM tasks WHERE origin = ? AND status IN (?, ?)
	`), string(origin), string(task.StatusPending), string(task.StatusWorking))
	if err != nil {
		return err
	}

	for i := range recs {
		t, err := recs[i].toTask()
		if err != nil {
			return err
		}
		replacement, err := resolve(t)
		if err != nil {
			return err
		}
		if replacement == nil {
			continue
		}
		replacement.Touch()
		rec, err := fromTask(replacement)
		if err != nil {
			return err
		}
		if _, err := r.namedExec(ctx, `
			UPDATE tasks SET
				status = :status, instruction = :instruction, working_dir = :working_dir,
				mode = :mode, model = :model, updated_at = :updated_at, completed_at = :completed_at,
				thread_id = :thread_id, environment_id = :environment_id, remote_id = :remote_id,
				result = :result, error = :error, progress_snapshot = :progress_snapshot
			WHERE id = :id
		`, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database connections.
func (r *Registry) Close() error {
	werr := r.writer.Close()
	rerr := r.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

