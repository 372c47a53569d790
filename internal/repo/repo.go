package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"octoflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertProcessTx inserts a process row, doing nothing when a row for the
// same (target, workflow name) already exists. It reports whether the insert
// won. Callers re-read the existing row on a loss, so two concurrent openers
// converge on a single record.
func (r Repo) InsertProcessTx(ctx context.Context, tx *sql.Tx, p domain.Process) (bool, error) {
	data, err := marshalData(p.Data)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO processes(id,target_type,target_id,workflow_name,workflow_version,state,data_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(target_type,target_id,workflow_name) DO NOTHING`,
		p.ID, p.Target.Type, p.Target.ID, p.WorkflowName, p.WorkflowVersion, p.State, data, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	return scanProcess(r.DB.QueryRowContext(ctx, `SELECT id,target_type,target_id,workflow_name,workflow_version,state,data_json,created_at,updated_at FROM processes WHERE id=?`, id))
}

func (r Repo) GetProcessTx(ctx context.Context, tx *sql.Tx, id string) (domain.Process, error) {
	return scanProcess(tx.QueryRowContext(ctx, `SELECT id,target_type,target_id,workflow_name,workflow_version,state,data_json,created_at,updated_at FROM processes WHERE id=?`, id))
}

func (r Repo) GetProcessByTarget(ctx context.Context, target domain.TargetRef, workflowName string) (domain.Process, error) {
	return scanProcess(r.DB.QueryRowContext(ctx, `SELECT id,target_type,target_id,workflow_name,workflow_version,state,data_json,created_at,updated_at FROM processes WHERE target_type=? AND target_id=? AND workflow_name=?`,
		target.Type, target.ID, workflowName))
}

func scanProcess(row *sql.Row) (domain.Process, error) {
	var p domain.Process
	var data sql.NullString
	err := row.Scan(&p.ID, &p.Target.Type, &p.Target.ID, &p.WorkflowName, &p.WorkflowVersion, &p.State, &data, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Data, err = unmarshalData(data)
	return p, err
}

// LockProcess takes the write lock on a process row inside tx, serializing
// concurrent advance/complete calls on the same process. SQLite has no
// SELECT FOR UPDATE; a self-assignment UPDATE escalates the transaction to a
// write lock, and a concurrent holder blocks the caller until busy_timeout,
// after which the operation fails and can be retried.
func (r Repo) LockProcess(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processes SET updated_at=updated_at WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("lock process %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProcessTx(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	data, err := marshalData(p.Data)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE processes SET state=?, data_json=?, updated_at=? WHERE id=?`, p.State, data, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProcessFilters struct {
	TargetType   string
	TargetID     string
	WorkflowName string
	State        string
}

func (r Repo) ListProcesses(ctx context.Context, f ProcessFilters) ([]domain.Process, error) {
	var clauses []string
	var args []any
	if f.TargetType != "" {
		clauses = append(clauses, "target_type=?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.WorkflowName != "" {
		clauses = append(clauses, "workflow_name=?")
		args = append(args, f.WorkflowName)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,target_type,target_id,workflow_name,workflow_version,state,data_json,created_at,updated_at FROM processes `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		var p domain.Process
		var data sql.NullString
		if err := rows.Scan(&p.ID, &p.Target.Type, &p.Target.ID, &p.WorkflowName, &p.WorkflowVersion, &p.State, &data, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	data, err := marshalData(t.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,process_id,task,name,state,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.ProcessID, t.Task, t.Name, t.State, data, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetOpenTaskTx fetches the single non-done task for (process, source state).
func (r Repo) GetOpenTaskTx(ctx context.Context, tx *sql.Tx, processID, sourceState string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT id,process_id,task,name,state,data_json,created_at,updated_at FROM tasks WHERE process_id=? AND task=? AND state!=? ORDER BY created_at ASC LIMIT 1`,
		processID, sourceState, domain.TaskDone))
	if err != nil {
		return t, err
	}
	t.Users, t.Groups, err = r.taskAssignees(ctx, tx, t.ID)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT id,process_id,task,name,state,data_json,created_at,updated_at FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Users, t.Groups, err = r.taskAssignees(ctx, nil, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT id,process_id,task,name,state,data_json,created_at,updated_at FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Users, t.Groups, err = r.taskAssignees(ctx, tx, t.ID)
	return t, err
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var data sql.NullString
	err := row.Scan(&t.ID, &t.ProcessID, &t.Task, &t.Name, &t.State, &data, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Data, err = unmarshalData(data)
	return t, err
}

func (r Repo) taskAssignees(ctx context.Context, tx *sql.Tx, taskID string) (users, groups []string, err error) {
	query := func(q string, args ...any) (*sql.Rows, error) {
		if tx != nil {
			return tx.QueryContext(ctx, q, args...)
		}
		return r.DB.QueryContext(ctx, q, args...)
	}
	collect := func(q string) ([]string, error) {
		rows, err := query(q, taskID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, rows.Err()
	}
	users, err = collect(`SELECT user_id FROM task_users WHERE task_id=? ORDER BY user_id`)
	if err != nil {
		return nil, nil, err
	}
	groups, err = collect(`SELECT group_id FROM task_groups WHERE task_id=? ORDER BY group_id`)
	if err != nil {
		return nil, nil, err
	}
	return users, groups, nil
}

// ReplaceTaskAssigneesTx overwrites the task's assignment. Assignment is
// idempotent and overwrite-based, not additive.
func (r Repo) ReplaceTaskAssigneesTx(ctx context.Context, tx *sql.Tx, taskID string, users, groups []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_users WHERE task_id=?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_groups WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_users(task_id,user_id) VALUES (?,?)`, taskID, u); err != nil {
			return err
		}
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_groups(task_id,group_id) VALUES (?,?)`, taskID, g); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	data, err := marshalData(t.Data)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, data_json=?, updated_at=? WHERE id=?`,
		t.State, data, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProcessID string
	State     string
	// User restricts results to tasks visible to this user: unassigned
	// tasks, tasks assigned to the user, or tasks assigned to one of the
	// user's groups. Nil means no visibility filter.
	User       string
	UserGroups []string
	FilterUser bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProcessID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.FilterUser {
		// Visible when unassigned, directly assigned, or group-assigned.
		predicate := `(
  NOT EXISTS (SELECT 1 FROM task_users tu WHERE tu.task_id=tasks.id)
  AND NOT EXISTS (SELECT 1 FROM task_groups tg WHERE tg.task_id=tasks.id)
  OR EXISTS (SELECT 1 FROM task_users tu WHERE tu.task_id=tasks.id AND tu.user_id=?)`
		args = append(args, f.User)
		if len(f.UserGroups) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.UserGroups)), ",")
			predicate += fmt.Sprintf(`
  OR EXISTS (SELECT 1 FROM task_groups tg WHERE tg.task_id=tasks.id AND tg.group_id IN (%s))`, placeholders)
			for _, g := range f.UserGroups {
				args = append(args, g)
			}
		}
		predicate += `
)`
		clauses = append(clauses, predicate)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,process_id,task,name,state,data_json,created_at,updated_at FROM tasks `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var data sql.NullString
		if err := rows.Scan(&t.ID, &t.ProcessID, &t.Task, &t.Name, &t.State, &data, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if t.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Users, res[i].Groups, err = r.taskAssignees(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// LatestEvents returns the n most recent audit events, optionally filtered
// by process and event type.
func (r Repo) LatestEvents(ctx context.Context, n int, processID, evtType string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var clauses []string
	var args []any
	if processID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, processID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(process_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProcessID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

func unmarshalData(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(v.String), &data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return data, nil
}
