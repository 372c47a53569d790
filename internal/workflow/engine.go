package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"octoflow/internal/domain"
	"octoflow/internal/events"
	"octoflow/internal/repo"
	"octoflow/internal/target"
)

// Engine drives processes through their workflow definitions. All mutating
// operations run in a single transaction and serialize on the owning process
// row, so concurrent advance/complete calls on the same process observe a
// total order on task creation.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *Registry
	Targets  *target.Registry
	Perms    PermissionDirectory
	Resolver *Resolver
	Log      *logrus.Logger
	Now      func() time.Time
}

func New(db *sql.DB, registry *Registry, log *logrus.Logger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: registry,
		Resolver: NewResolver(),
		Log:      log,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *logrus.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) resolver() *Resolver {
	if e.Resolver != nil {
		return e.Resolver
	}
	return NewResolver()
}

// Definition resolves the registered definition a process is bound to.
func (e Engine) Definition(proc domain.Process) (*Definition, error) {
	return e.Registry.Lookup(proc.WorkflowName, proc.WorkflowVersion)
}

// Open returns the process binding def to target, creating it if needed.
// An existing process is returned unchanged and requestedState is ignored.
// Creation is concurrency-safe: the insert does nothing on conflict and the
// loser re-reads the winner's row, so every caller observes the same record.
func (e Engine) Open(ctx context.Context, def *Definition, tgt domain.TargetRef, requestedState, actorID string) (domain.Process, error) {
	if existing, err := e.Repo.GetProcessByTarget(ctx, tgt, def.Name); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Process{}, err
	}
	state, err := def.Initial(requestedState)
	if err != nil {
		return domain.Process{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Process{
		ID:              uuid.New().String(),
		Target:          tgt,
		WorkflowName:    def.Name,
		WorkflowVersion: def.EffectiveVersion(),
		State:           state,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertProcessTx(ctx, tx, p)
	if err != nil {
		return domain.Process{}, fmt.Errorf("insert process: %w", err)
	}
	if !inserted {
		// Lost the race; converge on the winner's row.
		return e.Repo.GetProcessByTarget(ctx, tgt, def.Name)
	}
	if err := e.Events.Append(ctx, tx, "process.opened", p.ID, "process", p.ID, actorID, events.EventPayload{
		"workflow": p.WorkflowName,
		"version":  p.WorkflowVersion,
		"state":    p.State,
	}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// NextTransition resolves the single next transition from the process's
// current state. A state with several outgoing transitions that are all
// manual is a gateway: the first in definition order is returned and
// authorization, not resolution, differentiates them per user. Several
// outgoing transitions that are not all manual make the definition ambiguous.
func (e Engine) NextTransition(def *Definition, proc domain.Process) (Transition, error) {
	available := def.TransitionsFrom(proc.State)
	if len(available) == 0 {
		return Transition{}, fmt.Errorf("%w: state %s", ErrTransitionUnavailable, proc.State)
	}
	if len(available) == 1 {
		return available[0], nil
	}
	for _, tr := range available {
		if !tr.Manual {
			return Transition{}, fmt.Errorf("%w: state %s", ErrTransitionAmbiguous, proc.State)
		}
	}
	return available[0], nil
}

// AdvanceOnce performs a single advance step on the process. With an empty
// transitionName the next transition is resolved automatically; otherwise the
// named transition must legally fire from the current state.
func (e Engine) AdvanceOnce(ctx context.Context, processID, transitionName, actorID string) (domain.Process, error) {
	var proc domain.Process
	err := e.inProcessTx(ctx, processID, func(tx *sql.Tx, def *Definition, p *domain.Process) error {
		var tr Transition
		var err error
		if transitionName == "" {
			tr, err = e.NextTransition(def, *p)
		} else {
			tr, err = legalTransition(def, *p, transitionName)
		}
		if err != nil {
			return err
		}
		_, err = e.stepTx(ctx, tx, def, p, tr, actorID)
		proc = *p
		return err
	})
	return proc, err
}

// Advance repeatedly executes transitions from the process's current state
// until no transition is available (normal termination), a manual transition
// creates a task (pause point), or a transition repeats within this call,
// which means the definition loops without ever pausing.
func (e Engine) Advance(ctx context.Context, processID, actorID string) (domain.Process, error) {
	var proc domain.Process
	err := e.inProcessTx(ctx, processID, func(tx *sql.Tx, def *Definition, p *domain.Process) error {
		err := e.advanceTx(ctx, tx, def, p, actorID)
		proc = *p
		return err
	})
	return proc, err
}

// Complete marks the task done, executes the named transition on the owning
// process, and continues advancing — all in one transaction. If anything
// fails the task remains open.
func (e Engine) Complete(ctx context.Context, taskID, transitionName, actorID string, data map[string]any) (domain.Task, error) {
	var task domain.Task
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()

	task, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return task, err
	}
	if err := e.Repo.LockProcess(ctx, tx, task.ProcessID); err != nil {
		return task, err
	}
	// Re-read now that the lock is held; a concurrent completion may have
	// finished the task while we waited.
	task, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return task, err
	}
	if task.State != domain.TaskCreated {
		return task, fmt.Errorf("%w: task %s is %s", ErrTaskAlreadyProcessed, task.ID, task.State)
	}
	proc, err := e.Repo.GetProcessTx(ctx, tx, task.ProcessID)
	if err != nil {
		return task, err
	}
	def, err := e.Definition(proc)
	if err != nil {
		return task, err
	}
	tr, err := legalTransition(def, proc, transitionName)
	if err != nil {
		return task, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	task.State = domain.TaskDone
	task.UpdatedAt = now
	if len(data) > 0 {
		if task.Data == nil {
			task.Data = map[string]any{}
		}
		for k, v := range data {
			task.Data[k] = v
		}
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, task); err != nil {
		return task, err
	}
	if err := e.executeTx(ctx, tx, def, &proc, tr, actorID); err != nil {
		return task, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", proc.ID, "task", task.ID, actorID, events.EventPayload{
		"transition": tr.Name,
		"state":      proc.State,
	}); err != nil {
		return task, err
	}
	if err := e.advanceTx(ctx, tx, def, &proc, actorID); err != nil {
		return task, err
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	return task, nil
}

// inProcessTx runs fn with the process row locked inside one transaction.
func (e Engine) inProcessTx(ctx context.Context, processID string, fn func(tx *sql.Tx, def *Definition, p *domain.Process) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.LockProcess(ctx, tx, processID); err != nil {
		return err
	}
	proc, err := e.Repo.GetProcessTx(ctx, tx, processID)
	if err != nil {
		return err
	}
	def, err := e.Definition(proc)
	if err != nil {
		return err
	}
	if err := fn(tx, def, &proc); err != nil {
		if IsDefinitionError(err) {
			e.logger().WithFields(logrus.Fields{
				"process":  proc.ID,
				"workflow": proc.WorkflowName,
			}).WithError(err).Error("workflow definition error")
		}
		return err
	}
	return tx.Commit()
}

func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, def *Definition, proc *domain.Process, actorID string) error {
	executed := map[string]bool{}
	for {
		tr, err := e.NextTransition(def, *proc)
		if errors.Is(err, ErrTransitionUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
		if tr.Manual {
			// Manual transitions are never fired by the loop. With a task
			// they pause the process on it; without one they wait for an
			// explicit advance.
			if tr.CreatesTask() {
				_, err := e.obtainTaskTx(ctx, tx, def, proc, tr, actorID)
				return err
			}
			return nil
		}
		if executed[tr.Name] {
			return fmt.Errorf("%w: transition %s resolved twice in one advance", ErrCircularWorkflow, tr.Name)
		}
		executed[tr.Name] = true
		if err := e.executeTx(ctx, tx, def, proc, tr, actorID); err != nil {
			return err
		}
	}
}

// stepTx performs one step: task protocol for manual transitions that create
// tasks, direct execution otherwise. It reports whether the process paused on
// a task.
func (e Engine) stepTx(ctx context.Context, tx *sql.Tx, def *Definition, proc *domain.Process, tr Transition, actorID string) (bool, error) {
	if tr.Manual && tr.CreatesTask() {
		_, err := e.obtainTaskTx(ctx, tx, def, proc, tr, actorID)
		return true, err
	}
	return false, e.executeTx(ctx, tx, def, proc, tr, actorID)
}

// executeTx runs the transition's action, if any, then persists the state
// change. This is the only path that mutates process state.
func (e Engine) executeTx(ctx context.Context, tx *sql.Tx, def *Definition, proc *domain.Process, tr Transition, actorID string) error {
	if fn, ok := def.action(tr.Name); ok {
		if err := fn(ctx, proc, tr); err != nil {
			return fmt.Errorf("transition %s action: %w", tr.Name, err)
		}
	}
	from := proc.State
	proc.State = tr.Destination
	proc.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProcessTx(ctx, tx, *proc); err != nil {
		return fmt.Errorf("persist state %s: %w", proc.State, err)
	}
	return e.Events.Append(ctx, tx, "process.advanced", proc.ID, "process", proc.ID, actorID, events.EventPayload{
		"transition": tr.Name,
		"from":       from,
		"to":         proc.State,
	})
}

// obtainTaskTx is the task-creation protocol. The caller holds the process
// row lock. The open task for (process, source state) is fetched or created,
// assignees are resolved and overwrite any prior assignment.
func (e Engine) obtainTaskTx(ctx context.Context, tx *sql.Tx, def *Definition, proc *domain.Process, tr Transition, actorID string) (domain.Task, error) {
	task, err := e.Repo.GetOpenTaskTx(ctx, tx, proc.ID, tr.Source)
	if errors.Is(err, repo.ErrNotFound) {
		now := e.now().UTC().Format(time.RFC3339)
		task = domain.Task{
			ID:        uuid.New().String(),
			ProcessID: proc.ID,
			Task:      tr.Source,
			Name:      def.StateLabel(tr.Source),
			State:     domain.TaskCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
			return task, fmt.Errorf("insert task: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "task.created", proc.ID, "task", task.ID, actorID, events.EventPayload{
			"task": task.Task,
		}); err != nil {
			return task, err
		}
	} else if err != nil {
		return task, err
	}
	users, groups, err := e.resolver().Assignees(ctx, def, *proc, tr)
	if err != nil {
		return task, err
	}
	if err := e.Repo.ReplaceTaskAssigneesTx(ctx, tx, task.ID, users, groups); err != nil {
		return task, fmt.Errorf("assign task: %w", err)
	}
	task.Users, task.Groups = users, groups
	return task, e.Events.Append(ctx, tx, "task.assigned", proc.ID, "task", task.ID, actorID, events.EventPayload{
		"users":  users,
		"groups": groups,
	})
}

// legalTransition validates that name exists in the definition and can fire
// from the process's current state.
func legalTransition(def *Definition, proc domain.Process, name string) (Transition, error) {
	tr, ok := def.TransitionByName(name)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrTransitionDoesNotExist, name)
	}
	if tr.Source != proc.State {
		return Transition{}, fmt.Errorf("%w: %s fires from %s, process is in %s", ErrInvalidTransition, name, tr.Source, proc.State)
	}
	return tr, nil
}

// Instance pairs a definition with the process materialized for one target
// entity, plus the transitions the requesting user may act on.
type Instance struct {
	Definition  *Definition
	Process     domain.Process
	Transitions []Transition
}

// WorkflowInstances enumerates the workflows applicable to a target entity,
// opening their processes as needed. Workflows the user may not read are
// omitted. The entity must exist in the target registry.
func (e Engine) WorkflowInstances(ctx context.Context, targetType, targetID string, user *User) ([]Instance, error) {
	if e.Targets != nil {
		if _, err := e.Targets.Fetch(ctx, targetType, targetID); err != nil {
			return nil, err
		}
	}
	actorID := ""
	if user != nil {
		actorID = user.ID
	}
	var out []Instance
	for _, def := range e.Registry.ForTarget(targetType) {
		allowed, err := e.IsAllowed(ctx, def, user, PermRead)
		if err != nil {
			return nil, err
		}
		if !allowed {
			continue
		}
		proc, err := e.Open(ctx, def, domain.TargetRef{Type: targetType, ID: targetID}, "", actorID)
		if err != nil {
			return nil, err
		}
		trs, err := e.AuthorizedTransitions(ctx, def, proc, user)
		if err != nil {
			return nil, err
		}
		out = append(out, Instance{Definition: def, Process: proc, Transitions: trs})
	}
	return out, nil
}
