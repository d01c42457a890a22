package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a remote operation.
type State string

const (
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// rank orders states for monotonic transitions. All terminal states share
// the highest rank, so one terminal state never replaces another.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateExecuting:
		return 1
	case StateSuccess, StateFailed, StateCancelled:
		return 2
	default:
		return -1
	}
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether s is SUCCESS, FAILED or CANCELLED.
func (s State) IsTerminal() bool {
	return s.rank() == 2
}

// ParseState parses a state name case-insensitively. The backend reports
// a few aliases ("RUNNING", "COMPLETED", "ERROR") which are normalized.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED", "ASSIGNED":
		return StatePending, nil
	case "EXECUTING", "RUNNING":
		return StateExecuting, nil
	case "SUCCESS", "COMPLETED", "SUCCEEDED":
		return StateSuccess, nil
	case "FAILED", "ERROR":
		return StateFailed, nil
	case "CANCELLED", "CANCELED":
		return StateCancelled, nil
	}
	return "", fmt.Errorf("unknown operation state %q", s)
}

// Kind is the kind of work an operation performs.
type Kind string

const (
	KindCommand Kind = "command"
	KindImport  Kind = "import"
)

// Resources holds resource usage reported for a finished command.
type Resources struct {
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
	UserCPUSeconds float64 `json:"user_cpu_seconds,omitempty"`
	SysCPUSeconds  float64 `json:"sys_cpu_seconds,omitempty"`
	MaxRSSBytes    int64   `json:"max_rss_bytes,omitempty"`
}

// Result is the outcome attached to a terminal operation.
// It is immutable once attached.
type Result struct {
	ExitCode    int       `json:"exit_code"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	ResultImage string    `json:"result_image,omitempty"` // image produced by a non-disposable run
	ResultTag   string    `json:"result_tag,omitempty"`
	Error       string    `json:"error,omitempty"` // backend-side failure description
	Resources   Resources `json:"resources,omitempty"`
}

// Operation is a snapshot of a remote operation.
type Operation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Request is kept for lineage bookkeeping. It is nil for operations
	// adopted from the backend by id.
	Request *Request `json:"request,omitempty"`
	Result  *Result  `json:"result,omitempty"`
}

// Validate checks if the Operation has valid field values.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !o.State.IsValid() {
		return fmt.Errorf("invalid state %q", o.State)
	}
	if o.Result != nil && !o.State.IsTerminal() {
		return fmt.Errorf("result attached to non-terminal operation in state %s", o.State)
	}
	return nil
}

// Advance moves the operation to next if that is a forward transition.
// A terminal state is final: later updates, including a different terminal
// state, are ignored. The result is only attached together with the
// terminal transition. Advance reports whether anything changed.
func (o *Operation) Advance(next State, result *Result) bool {
	if !next.IsValid() || o.State.IsTerminal() {
		return false
	}
	if next.rank() < o.State.rank() {
		return false
	}
	if next == o.State {
		return false
	}
	o.State = next
	o.UpdatedAt = time.Now()
	if next.IsTerminal() && result != nil {
		r := *result
		o.Result = &r
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (o *Operation) Clone() Operation {
	c := *o
	if o.Result != nil {
		r := *o.Result
		c.Result = &r
	}
	if o.Request != nil {
		req := o.Request.clone()
		c.Request = &req
	}
	return c
}

// MarshalBinary encodes the operation for the durable result cache.
func (o *Operation) MarshalBinary() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalBinary decodes an operation written by MarshalBinary and
// validates it.
func (o *Operation) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, o); err != nil {
		return err
	}
	return o.Validate()
}
