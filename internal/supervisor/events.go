package supervisor

// Event types published by the supervisor.
const (
	EventProcessStarted = "process.started"
	EventProcessHealth  = "process.health"
	EventProcessAlert   = "process.alert"
	EventProcessStopped = "process.stopped"
	EventProcessCrashed = "process.crashed"
)

// ProcessStarted fires once the child passes its startup checks.
type ProcessStarted struct {
	PID    int    `json:"pid"`
	Port   int    `json:"port"`
	Daemon bool   `json:"daemon"`
	Binary string `json:"binary"`
}

// HealthTransition fires when the probe state changes.
type HealthTransition struct {
	PID  int    `json:"pid"`
	From string `json:"from"`
	To   string `json:"to"` // healthy, unhealthy, stopped
}

// ResourceAlert fires when a sampled resource crosses its threshold. Alerts
// are informational; the supervisor never kills the child over them.
type ResourceAlert struct {
	PID       int     `json:"pid"`
	Kind      string  `json:"kind"` // cpu, memory, unresponsive
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// ProcessStopped fires after a requested stop completes.
type ProcessStopped struct {
	PID    int  `json:"pid"`
	Killed bool `json:"killed"` // true when the grace window expired
}

// ProcessCrashed fires when the child exits without a stop request.
type ProcessCrashed struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}
