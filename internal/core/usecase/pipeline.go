package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
)

const advisoryOperation = "advisory.recommend"

// PipelineOrchestrator sequences decode, preprocess, classify and advice for one session.
// It is the only component that turns stage errors into user-facing failures.
type PipelineOrchestrator struct {
	decoder      ports.ImageDecoder
	preprocessor ports.TensorPreprocessor
	classifier   ports.Classifier
	advisor      ports.AdvisoryClient
	guard        ports.CallGuard
	limits       domain.PipelineLimits
	logger       *slog.Logger
	now          func() time.Time

	// notifyMu serialises commit+notify so observers see transitions in order.
	notifyMu sync.Mutex

	mu             sync.Mutex
	seq            uint64
	current        *pipelineRun
	snapshot       domain.PipelineSnapshot
	observers      map[int]ports.PipelineObserver
	nextObserverID int

	staleDrops atomic.Uint64
}

type pipelineRun struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (r *pipelineRun) finish() {
	r.once.Do(func() {
		r.cancel()
		close(r.done)
	})
}

func NewPipelineOrchestrator(
	decoder ports.ImageDecoder,
	preprocessor ports.TensorPreprocessor,
	classifier ports.Classifier,
	advisor ports.AdvisoryClient,
	guard ports.CallGuard,
	limits domain.PipelineLimits,
) *PipelineOrchestrator {
	if limits.AdviceTimeout <= 0 {
		limits.AdviceTimeout = 20 * time.Second
	}

	o := &PipelineOrchestrator{
		decoder:      decoder,
		preprocessor: preprocessor,
		classifier:   classifier,
		advisor:      advisor,
		guard:        guard,
		limits:       limits,
		logger:       logging.New("pipeline"),
		now:          func() time.Time { return time.Now().UTC() },
		observers:    make(map[int]ports.PipelineObserver),
	}
	o.snapshot = domain.PipelineSnapshot{State: domain.StateIdle, UpdatedAt: o.now()}
	return o
}

// Submit starts a fresh run. Submissions while a run is in progress are rejected
// with ErrRunInProgress; the caller must Dismiss first to abandon the running one.
// The returned run id is the run-identity token for Wait.
func (o *PipelineOrchestrator) Submit(ctx context.Context, input domain.DiagnosisInput) (uint64, error) {
	if err := validateSubmission(input); err != nil {
		return 0, err
	}

	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	if o.snapshot.State.InProgress() {
		running := o.snapshot
		o.mu.Unlock()
		return 0, domain.WrapError(
			domain.ErrRunInProgress,
			"submit diagnosis",
			fmt.Errorf("run %d is %s", running.RunID, running.State),
		)
	}

	o.seq++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &pipelineRun{id: o.seq, cancel: cancel, done: make(chan struct{})}
	o.current = run

	now := o.now()
	o.snapshot = domain.PipelineSnapshot{
		RunID:         run.id,
		State:         domain.StatePreprocessing,
		PlantName:     input.PlantName,
		MoistureLevel: input.MoistureLevel,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	snap := o.snapshot
	observers := o.observerList()
	o.mu.Unlock()

	o.notify(observers, snap)
	o.logger.Info("pipeline_run_started", "run_id", run.id, "plant_name", input.PlantName, "image_bytes", len(input.Image))

	go o.execute(runCtx, run, input)
	return run.id, nil
}

// Dismiss abandons the current run, if any, and returns to Idle. Late results of the
// abandoned run are dropped by the run-identity check in commit.
func (o *PipelineOrchestrator) Dismiss() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	run := o.current
	o.current = nil
	if run != nil {
		run.finish()
	}
	o.snapshot = domain.PipelineSnapshot{State: domain.StateIdle, UpdatedAt: o.now()}
	snap := o.snapshot
	observers := o.observerList()
	o.mu.Unlock()

	if run != nil {
		o.logger.Info("pipeline_dismissed", "run_id", run.id)
	}
	o.notify(observers, snap)
}

func (o *PipelineOrchestrator) Snapshot() domain.PipelineSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// Wait blocks until runID reaches a terminal state. It returns ErrRunSuperseded when
// the run was dismissed or replaced before (or while) waiting.
func (o *PipelineOrchestrator) Wait(ctx context.Context, runID uint64) (domain.PipelineSnapshot, error) {
	o.mu.Lock()
	run := o.current
	if run == nil || run.id != runID {
		snap := o.snapshot
		o.mu.Unlock()
		return snap, superseded(runID)
	}
	done := run.done
	o.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.id != runID {
		return o.snapshot, superseded(runID)
	}
	return o.snapshot, nil
}

// Subscribe registers an observer for every committed transition. Observers run
// synchronously and must not call back into the orchestrator.
func (o *PipelineOrchestrator) Subscribe(observer ports.PipelineObserver) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextObserverID
	o.nextObserverID++
	o.observers[id] = observer

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers, id)
	}
}

func (o *PipelineOrchestrator) execute(ctx context.Context, run *pipelineRun, input domain.DiagnosisInput) {
	stage := domain.StatePreprocessing
	defer func() {
		if recovered := recover(); recovered != nil {
			o.fail(run, stage, fmt.Errorf("stage panic: %v", recovered))
		}
	}()

	tensor, err := o.prepare(ctx, input.Image)
	if err != nil {
		o.fail(run, stage, err)
		return
	}

	stage = domain.StateClassifying
	if !o.advance(run, stage) {
		return
	}
	label, err := o.classify(ctx, tensor)
	if err != nil {
		o.fail(run, stage, err)
		return
	}

	stage = domain.StateRequestingAdvice
	if !o.advance(run, stage) {
		return
	}
	req := BuildRecommendationRequest(input.PlantName, input.MoistureLevel, label)
	result, err := o.requestAdvice(ctx, req)
	if err != nil {
		o.fail(run, stage, err)
		return
	}

	o.succeed(run, label, result)
}

// prepare owns the decoded image; it goes out of scope once the tensor exists.
func (o *PipelineOrchestrator) prepare(ctx context.Context, blob []byte) (domain.InputTensor, error) {
	decoded, err := o.decoder.Decode(ctx, blob)
	if err != nil {
		return domain.InputTensor{}, fmt.Errorf("decode image: %w", err)
	}

	tensor, err := o.preprocessor.Preprocess(decoded)
	if err != nil {
		return domain.InputTensor{}, fmt.Errorf("preprocess image: %w", err)
	}
	return tensor, nil
}

func (o *PipelineOrchestrator) classify(ctx context.Context, tensor domain.InputTensor) (domain.ClassLabel, error) {
	label, err := o.classifier.Predict(ctx, tensor)
	if err != nil {
		if domain.IsKind(err, domain.ErrEngineNotReady) {
			if warmer, ok := o.classifier.(ports.ModelWarmer); ok {
				warmer.Warm()
			}
		}
		return "", fmt.Errorf("classify image: %w", err)
	}
	return label, nil
}

func (o *PipelineOrchestrator) requestAdvice(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error) {
	var result domain.RecommendationResult
	call := func(callCtx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(callCtx, o.limits.AdviceTimeout)
		defer cancel()

		res, err := o.advisor.Recommend(attemptCtx, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(res.Text) == "" {
			return domain.WrapError(domain.ErrUpstream, "validate recommendation", errors.New("empty recommendation text"))
		}
		result = res
		return nil
	}

	var err error
	if o.guard != nil {
		err = o.guard.Guard(ctx, advisoryOperation, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.RecommendationResult{}, fmt.Errorf("request advice: %w", err)
	}
	return result, nil
}

func (o *PipelineOrchestrator) advance(run *pipelineRun, state domain.PipelineState) bool {
	return o.commit(run, func(s *domain.PipelineSnapshot) {
		s.State = state
	})
}

func (o *PipelineOrchestrator) succeed(run *pipelineRun, label domain.ClassLabel, result domain.RecommendationResult) {
	if o.commit(run, func(s *domain.PipelineSnapshot) {
		s.State = domain.StateSucceeded
		s.HealthLabel = label
		s.Result = &domain.RecommendationResult{Text: result.Text}
	}) {
		o.logger.Info("pipeline_run_succeeded", "run_id", run.id, "health_label", label)
	}
}

func (o *PipelineOrchestrator) fail(run *pipelineRun, stage domain.PipelineState, err error) {
	failure := describeFailure(stage, err)
	if o.commit(run, func(s *domain.PipelineSnapshot) {
		s.State = domain.StateFailed
		s.HealthLabel = ""
		s.Result = nil
		s.Failure = &failure
	}) {
		o.logger.Warn("pipeline_run_failed",
			"run_id", run.id,
			"stage", stage,
			"kind", failure.Kind,
			"retryable", failure.Retryable,
			"error", err,
		)
	}
}

// commit applies a transition only while run is still the current, in-progress run.
func (o *PipelineOrchestrator) commit(run *pipelineRun, apply func(*domain.PipelineSnapshot)) bool {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	if o.current == nil || o.current.id != run.id || !o.snapshot.State.InProgress() {
		o.mu.Unlock()
		o.staleDrops.Add(1)
		o.logger.Debug("stale_run_result_dropped", "run_id", run.id)
		return false
	}

	apply(&o.snapshot)
	o.snapshot.UpdatedAt = o.now()
	snap := o.snapshot
	observers := o.observerList()
	o.mu.Unlock()

	o.logger.Debug("pipeline_transition", "run_id", run.id, "state", snap.State)
	o.notify(observers, snap)
	// Waiters wake only after observers have seen the terminal state.
	if snap.State.Terminal() {
		run.finish()
	}
	return true
}

func (o *PipelineOrchestrator) observerList() []ports.PipelineObserver {
	if len(o.observers) == 0 {
		return nil
	}
	out := make([]ports.PipelineObserver, 0, len(o.observers))
	for id := 0; id < o.nextObserverID; id++ {
		if observer, ok := o.observers[id]; ok {
			out = append(out, observer)
		}
	}
	return out
}

func (o *PipelineOrchestrator) notify(observers []ports.PipelineObserver, snap domain.PipelineSnapshot) {
	for _, observer := range observers {
		observer(snap)
	}
}

func validateSubmission(input domain.DiagnosisInput) error {
	switch {
	case strings.TrimSpace(input.PlantName) == "":
		return domain.WrapError(domain.ErrInvalidInput, "submit diagnosis", errors.New("plant name is required"))
	case strings.TrimSpace(input.MoistureLevel) == "":
		return domain.WrapError(domain.ErrInvalidInput, "submit diagnosis", errors.New("moisture level is required"))
	default:
		return nil
	}
}

func superseded(runID uint64) error {
	return domain.WrapError(domain.ErrRunSuperseded, "wait diagnosis", fmt.Errorf("run %d is no longer current", runID))
}

// describeFailure maps a stage error onto the user-visible failure taxonomy.
func describeFailure(stage domain.PipelineState, err error) domain.PipelineFailure {
	switch stage {
	case domain.StatePreprocessing:
		return domain.PipelineFailure{
			Kind:      domain.FailureInput,
			Stage:     stage,
			Message:   "preprocessing failed: the photo could not be read; upload a non-empty JPEG or PNG image within the size limit",
			Retryable: false,
		}
	case domain.StateClassifying:
		if domain.IsKind(err, domain.ErrEngineNotReady) || domain.IsKind(err, domain.ErrModelLoad) {
			return domain.PipelineFailure{
				Kind:      domain.FailureModelUnavailable,
				Stage:     stage,
				Message:   "classification failed: the plant health model is not ready yet; try again shortly",
				Retryable: true,
			}
		}
		return domain.PipelineFailure{
			Kind:      domain.FailureModelUnavailable,
			Stage:     stage,
			Message:   "classification failed: the plant health model could not score this photo; resubmitting will not help",
			Retryable: false,
		}
	default:
		if domain.IsKind(err, domain.ErrConfiguration) {
			return domain.PipelineFailure{
				Kind:      domain.FailureAdvisory,
				Stage:     domain.StateRequestingAdvice,
				Message:   "care advice failed: the advisory service is not configured; resubmitting will not help until an operator sets the credential",
				Retryable: false,
			}
		}
		return domain.PipelineFailure{
			Kind:      domain.FailureAdvisory,
			Stage:     domain.StateRequestingAdvice,
			Message:   "care advice failed: the advisory service did not answer; resubmitting may help",
			Retryable: true,
		}
	}
}
