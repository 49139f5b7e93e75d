package domain

import "time"

type PipelineState string

const (
	StateIdle             PipelineState = "idle"
	StatePreprocessing    PipelineState = "preprocessing"
	StateClassifying      PipelineState = "classifying"
	StateRequestingAdvice PipelineState = "requesting_advice"
	StateSucceeded        PipelineState = "succeeded"
	StateFailed           PipelineState = "failed"
)

// InProgress reports whether a run is executing in this state.
func (s PipelineState) InProgress() bool {
	switch s {
	case StatePreprocessing, StateClassifying, StateRequestingAdvice:
		return true
	default:
		return false
	}
}

func (s PipelineState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

type FailureKind string

const (
	FailureInput            FailureKind = "input_error"
	FailureModelUnavailable FailureKind = "model_unavailable"
	FailureAdvisory         FailureKind = "advisory_error"
)

// PipelineFailure is the user-facing description of a failed run.
type PipelineFailure struct {
	Kind      FailureKind   `json:"kind"`
	Stage     PipelineState `json:"stage"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// PipelineSnapshot is an immutable view of an orchestrator's state.
type PipelineSnapshot struct {
	RunID         uint64                `json:"run_id"`
	State         PipelineState         `json:"state"`
	PlantName     string                `json:"plant_name,omitempty"`
	MoistureLevel string                `json:"moisture_level,omitempty"`
	HealthLabel   ClassLabel            `json:"health_label,omitempty"`
	Result        *RecommendationResult `json:"result,omitempty"`
	Failure       *PipelineFailure      `json:"failure,omitempty"`
	StartedAt     time.Time             `json:"started_at,omitzero"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// PipelineLimits bound the remote stages of a run.
type PipelineLimits struct {
	AdviceTimeout time.Duration
}

// DiagnosisEvent is published once per terminal run.
type DiagnosisEvent struct {
	SessionID     string        `json:"session_id"`
	RunID         uint64        `json:"run_id"`
	State         PipelineState `json:"state"`
	PlantName     string        `json:"plant_name"`
	MoistureLevel string        `json:"moisture_level"`
	HealthLabel   ClassLabel    `json:"health_label,omitempty"`
	FailureKind   FailureKind   `json:"failure_kind,omitempty"`
	Retryable     bool          `json:"retryable"`
	DurationMS    int64         `json:"duration_ms"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
