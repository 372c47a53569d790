package domain

// TargetRef identifies the external entity a process is attached to.
type TargetRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Process binds a workflow definition to one target entity and tracks its
// current state. At most one process exists per (target, workflow name).
type Process struct {
	ID              string         `json:"id"`
	Target          TargetRef      `json:"target"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion int            `json:"workflow_version"`
	State           string         `json:"state"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// Task states. Only created and done are set by the engine; assigned and
// started are informational and left to external callers.
const (
	TaskCreated  = "created"
	TaskAssigned = "assigned"
	TaskStarted  = "started"
	TaskDone     = "done"
)

// Task is a pending (or finished) manual step of a process. The Task field
// holds the source state it was created for; Name is that state's display label.
type Task struct {
	ID        string         `json:"id"`
	ProcessID string         `json:"process_id"`
	Task      string         `json:"task"`
	Name      string         `json:"name"`
	State     string         `json:"state" enum:"created,assigned,started,done"`
	Users     []string       `json:"users,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// Open reports whether the task still awaits completion.
func (t Task) Open() bool {
	return t.State != TaskDone
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProcessID  string `json:"process_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}
