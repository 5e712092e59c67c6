package model

import "time"

// Function status constants.
const (
	FunctionActive   = "active"
	FunctionCrashed  = "crashed"
	FunctionDisposed = "disposed"
)

// Grid run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Isolation mode constants.
const (
	IsolationIsolate = "isolate"
	IsolationProcess = "process"
	IsolationMicroVM = "microvm"
	IsolationAuto    = "auto"
)

// RuntimeJavaScript is the only language user scoring functions are written in.
const RuntimeJavaScript = "javascript"

// validTransitions maps each status to the set of statuses it may transition to.
// Function and grid run statuses share the table; their names do not overlap.
var validTransitions = map[string]map[string]bool{
	FunctionActive: {
		FunctionCrashed:  true,
		FunctionDisposed: true,
	},
	FunctionCrashed: {
		FunctionActive:   true,
		FunctionDisposed: true,
	},
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Function is a user-supplied scoring function. Code must define render(x, y, z).
// Only the code is persisted; the isolated context it runs in is rebuilt on demand.
type Function struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Code       string     `json:"code"`
	Isolation  string     `json:"isolation"`
	Status     string     `json:"status"`
	TimeoutMS  *int       `json:"timeout_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DisposedAt *time.Time `json:"disposed_at,omitempty"`
}

// GridRun evaluates a function at every coordinate of the cube [-Size, Size]^3.
type GridRun struct {
	ID         string     `json:"id"`
	FunctionID string     `json:"function_id"`
	Size       int        `json:"size"`
	Status     string     `json:"status"`
	Filled     int        `json:"filled"`
	Empty      int        `json:"empty"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Cells returns the number of coordinates a grid of the given size covers.
func Cells(size int) int {
	side := 2*size + 1
	return side * side * side
}

// Voxel is a coordinate for which render produced a value.
type Voxel struct {
	RunID string  `json:"-"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Z     int     `json:"z"`
	Value float64 `json:"value"`
}
