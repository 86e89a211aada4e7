package domain

// Project is the mutable resource owned by the request gateway. Status
// moves forward only: draft -> active -> submitted -> accepted|rejected.
type Project struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status" enum:"draft,active,submitted,accepted,rejected"`
	Description      string  `json:"description,omitempty"`
	InputsJSON       string  `json:"inputs_json,omitempty"`
	Confidence       float64 `json:"confidence"`
	ConstantsVersion string  `json:"constants_version"`
	ProjectNumber    *string `json:"project_number,omitempty"`
	Token            string  `json:"-"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// TaskRecord tracks one unit of asynchronous work. States are monotonic:
// pending -> processing -> completed|failed, cancelled from pending or
// processing only.
type TaskRecord struct {
	TaskID     string   `json:"task_id"`
	Kind       string   `json:"kind"`
	ProjectID  string   `json:"project_id,omitempty"`
	State      string   `json:"state" enum:"pending,processing,completed,failed,cancelled"`
	Progress   *float64 `json:"progress,omitempty"`
	ResultJSON *string  `json:"result,omitempty"`
	Error      *string  `json:"error,omitempty"`
	ErrorKind  *string  `json:"error_kind,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// IdempotencyRecord snapshots the outcome of a keyed mutation.
type IdempotencyRecord struct {
	Key          string `json:"key"`
	EnvelopeJSON string `json:"envelope_json"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

// DeadLetterEntry is a payload that could not be delivered to a
// collaborator, held for out-of-band replay.
type DeadLetterEntry struct {
	ID          string  `json:"id"`
	ServiceName string  `json:"service_name"`
	Payload     string  `json:"payload"`
	Reason      string  `json:"reason,omitempty"`
	RetryCount  int     `json:"retry_count"`
	EnqueuedAt  string  `json:"enqueued_at" format:"date-time"`
	ReplayedAt  *string `json:"replayed_at,omitempty" format:"date-time"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Project statuses.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusSubmitted = "submitted"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
)

// Task states.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

var statusGraph = map[string][]string{
	StatusDraft:     {StatusActive},
	StatusActive:    {StatusSubmitted},
	StatusSubmitted: {StatusAccepted, StatusRejected},
	StatusAccepted:  {},
	StatusRejected:  {},
}

// ValidStatus reports whether s is a known project status.
func ValidStatus(s string) bool {
	_, ok := statusGraph[s]
	return ok
}

// CanTransition reports whether a project may move from one status to
// another. Same-status writes are not transitions.
func CanTransition(from, to string) bool {
	for _, next := range statusGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalTask reports whether a task state accepts no further
// transitions.
func TerminalTask(state string) bool {
	return state == TaskCompleted || state == TaskFailed || state == TaskCancelled
}
