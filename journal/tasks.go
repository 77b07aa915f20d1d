package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/stratlab/optimise"
)

// TaskStore keeps optimisation tasks and their run results in SQLite.
type TaskStore struct {
	DB  *SQLite
	Now func() time.Time
}

var _ optimise.Store = (*TaskStore)(nil)

func NewTaskStore(db *SQLite) *TaskStore {
	return &TaskStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *TaskStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

const taskColumns = `id, state, config, progress, summary, error, created_at, updated_at, started_at, finished_at`

func scanTask(sc scanner) (optimise.Task, error) {
	var (
		t                 optimise.Task
		state             string
		cfg, progress     string
		summary           sql.NullString
		started, finished sql.NullTime
	)
	err := sc.Scan(&t.ID, &state, &cfg, &progress, &summary, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &started, &finished)
	if err != nil {
		return optimise.Task{}, err
	}
	t.State = optimise.State(state)
	if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
		return optimise.Task{}, fmt.Errorf("task %s: decode config: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return optimise.Task{}, fmt.Errorf("task %s: decode progress: %w", t.ID, err)
	}
	if summary.Valid {
		var sum optimise.Summary
		if err := json.Unmarshal([]byte(summary.String), &sum); err != nil {
			return optimise.Task{}, fmt.Errorf("task %s: decode summary: %w", t.ID, err)
		}
		t.Summary = &sum
	}
	if started.Valid {
		t.StartedAt = started.Time
	}
	if finished.Valid {
		t.FinishedAt = finished.Time
	}
	return t, nil
}

func (s *TaskStore) Create(ctx context.Context, t optimise.Task) (optimise.Task, error) {
	if t.ID == "" {
		return optimise.Task{}, fmt.Errorf("create task: missing id")
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return optimise.Task{}, fmt.Errorf("create task: encode config: %w", err)
	}
	progress, err := json.Marshal(t.Progress)
	if err != nil {
		return optimise.Task{}, fmt.Errorf("create task: encode progress: %w", err)
	}
	now := s.now()
	t.State = optimise.Pending
	t.Summary = nil
	t.CreatedAt, t.UpdatedAt = now, now
	t.StartedAt, t.FinishedAt = time.Time{}, time.Time{}

	_, err = s.DB.db.ExecContext(ctx, `
		INSERT INTO optimisation_tasks (id, state, config, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.State), string(cfg), string(progress), t.Error, now, now)
	if err != nil {
		return optimise.Task{}, fmt.Errorf("create task %q: %w", t.ID, err)
	}
	return t, nil
}

// ClaimNextPending moves the oldest pending task to RUNNING. The select and
// the guarded update share one immediate transaction so two schedulers on
// the same database never claim the same task.
func (s *TaskStore) ClaimNextPending(ctx context.Context) (optimise.Task, bool, error) {
	tx, err := s.DB.db.BeginTx(ctx, nil)
	if err != nil {
		return optimise.Task{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM optimisation_tasks
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, string(optimise.Pending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return optimise.Task{}, false, nil
	}
	if err != nil {
		return optimise.Task{}, false, err
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE optimisation_tasks
		SET state = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(optimise.Running), now, now, id, string(optimise.Pending))
	if err != nil {
		return optimise.Task{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return optimise.Task{}, false, err
	}

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM optimisation_tasks WHERE id = ?`, id))
	if err != nil {
		return optimise.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return optimise.Task{}, false, err
	}
	return t, true, nil
}

// updateRunning applies an update guarded on state RUNNING and tells a
// missing task apart from one in another state.
func (s *TaskStore) updateRunning(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id, string(optimise.Running))
	res, err := s.DB.db.ExecContext(ctx,
		`UPDATE optimisation_tasks SET `+set+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var state string
	err = s.DB.db.QueryRowContext(ctx,
		`SELECT state FROM optimisation_tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %q: %w", id, optimise.ErrTaskNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %q is %s: %w", id, state, optimise.ErrTaskNotRunning)
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id string, p optimise.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.updateRunning(ctx, id, `progress = ?, updated_at = ?`, string(progress), s.now())
}

func (s *TaskStore) Complete(ctx context.Context, id string, sum optimise.Summary) error {
	summary, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	now := s.now()
	return s.updateRunning(ctx, id, `state = ?, summary = ?, updated_at = ?, finished_at = ?`,
		string(optimise.Completed), string(summary), now, now)
}

func (s *TaskStore) Fail(ctx context.Context, id string, cause string) error {
	now := s.now()
	return s.updateRunning(ctx, id, `state = ?, error = ?, updated_at = ?, finished_at = ?`,
		string(optimise.Failed), cause, now, now)
}

func (s *TaskStore) Get(ctx context.Context, id string) (optimise.Task, error) {
	t, err := scanTask(s.DB.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM optimisation_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return optimise.Task{}, fmt.Errorf("task %q: %w", id, optimise.ErrTaskNotFound)
	}
	return t, err
}

func (s *TaskStore) List(ctx context.Context) ([]optimise.Task, error) {
	rows, err := s.DB.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM optimisation_tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []optimise.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) SaveResult(ctx context.Context, r optimise.RunResult) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return err
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	var exists int
	err = s.DB.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM optimisation_tasks WHERE id = ?`, r.TaskID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("task %q: %w", r.TaskID, optimise.ErrTaskNotFound)
	}

	_, err = s.DB.db.ExecContext(ctx, `
		INSERT INTO optimisation_results (id, task_id, parameters, result, net_profit, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, string(params), string(result),
		r.Result.NetProfit.InexactFloat64(), r.Error, created.UTC())
	return err
}

// Results returns the run results of a task in the order they were saved.
func (s *TaskStore) Results(ctx context.Context, taskID string) ([]optimise.RunResult, error) {
	rows, err := s.DB.db.QueryContext(ctx, `
		SELECT id, task_id, parameters, result, error, created_at
		FROM optimisation_results
		WHERE task_id = ?
		ORDER BY rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []optimise.RunResult
	for rows.Next() {
		var (
			r              optimise.RunResult
			params, result string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &params, &result, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, fmt.Errorf("result %s: decode parameters: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(result), &r.Result); err != nil {
			return nil, fmt.Errorf("result %s: decode result: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
