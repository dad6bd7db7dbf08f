package models

import "time"

// DetectionRequest asks for one drift-detection run: tenant X over window
// [a, b). SeedWindow optionally names an earlier window of the same shape
// used to seed baselines for dimensions that have none yet (first runs and
// backfills); it is never used to overwrite an existing baseline.
type DetectionRequest struct {
	TenantID   string
	Window     Window
	SeedWindow *Window
}

// RunStatus is the terminal state of a detection run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunReport summarises one detection run for operators and metrics. A failed
// run commits nothing; the scheduler retries it as a whole.
type RunReport struct {
	RunID    string
	TenantID string
	Window   Window
	Status   RunStatus

	Dimensions       int
	Anomalous        int
	InsufficientData int
	SignalsCreated   int
	SignalsUpdated   int
	BaselinesSeeded  int
	Notified         int
	Suppressed       int

	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}
