package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

// DomainGuard adapts Executor to ports.CallGuard for calls that report failures
// with domain error kinds. Only ErrTemporary-tagged errors are retried.
type DomainGuard struct {
	executor *Executor
}

func NewDomainGuard(executor *Executor) *DomainGuard {
	return &DomainGuard{executor: executor}
}

func (g *DomainGuard) Guard(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := g.executor.Execute(ctx, operation, fn, ClassifyDomainError)
	if err != nil && IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, domain.WrapError(domain.ErrUpstream, "circuit breaker", err))
	}
	return err
}

func ClassifyDomainError(err error) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	case domain.IsKind(err, domain.ErrConfiguration):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	case domain.IsKind(err, domain.ErrTemporary):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}
}
