package supervisor

import "time"

// State is the service lifecycle state machine:
// Stopped → Starting → Running → (Degraded ⇄ Running) → Stopping → Stopped,
// with any state able to reach Failed on unrecoverable error.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Status is the externally visible service snapshot, served by the admin
// surface and the `status` control verb.
type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RestartAttempts     int       `json:"restart_attempts"`
	LastHealthCheck     time.Time `json:"last_health_check"`
	LastHealthy         time.Time `json:"last_healthy"`
	InFlight            int       `json:"in_flight"`
	StartedAt           time.Time `json:"started_at"`
}
