package ports

import (
	"context"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

// DiagnosisPipeline is the inbound contract of one session's diagnosis state machine.
type DiagnosisPipeline interface {
	Submit(ctx context.Context, input domain.DiagnosisInput) (uint64, error)
	Dismiss()
	Snapshot() domain.PipelineSnapshot
	Wait(ctx context.Context, runID uint64) (domain.PipelineSnapshot, error)
}

// DiagnosisSessions hands out per-session pipelines.
type DiagnosisSessions interface {
	Create() (string, error)
	Get(id string) (DiagnosisPipeline, error)
	Close(id string) error
}

// SpeciesSearcher is the inbound contract for species dataset lookups.
type SpeciesSearcher interface {
	Search(ctx context.Context, query string, limit int) (*domain.SpeciesResult, error)
}

// ModelAdmin exposes the classification engine lifecycle.
type ModelAdmin interface {
	Load(ctx context.Context) error
	Info() domain.ModelInfo
}
