package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
)

// SessionObserver receives every committed transition of every session pipeline.
type SessionObserver func(sessionID string, snapshot domain.PipelineSnapshot)

// SessionRegistry owns one PipelineOrchestrator per user session.
type SessionRegistry struct {
	newPipeline func() *PipelineOrchestrator
	idleTTL     time.Duration
	observers   []SessionObserver
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	pipeline    *PipelineOrchestrator
	unsubscribe func()
	lastUsed    time.Time
}

func NewSessionRegistry(newPipeline func() *PipelineOrchestrator, idleTTL time.Duration, observers ...SessionObserver) *SessionRegistry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &SessionRegistry{
		newPipeline: newPipeline,
		idleTTL:     idleTTL,
		observers:   observers,
		logger:      logging.New("sessions"),
		now:         time.Now,
		newID:       uuid.NewString,
		sessions:    make(map[string]*session),
	}
}

func (r *SessionRegistry) Create() (string, error) {
	id := r.newID()
	pipeline := r.newPipeline()
	if pipeline == nil {
		return "", fmt.Errorf("create session: pipeline factory returned nil")
	}

	var unsubscribe []func()
	for _, observer := range r.observers {
		unsubscribe = append(unsubscribe, pipeline.Subscribe(func(snap domain.PipelineSnapshot) {
			observer(id, snap)
		}))
	}

	r.mu.Lock()
	r.sessions[id] = &session{
		pipeline: pipeline,
		unsubscribe: func() {
			for _, fn := range unsubscribe {
				fn()
			}
		},
		lastUsed: r.now(),
	}
	r.mu.Unlock()

	r.logger.Info("session_created", "session_id", id)
	return id, nil
}

func (r *SessionRegistry) Get(id string) (ports.DiagnosisPipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("session_id=%s", id))
	}
	s.lastUsed = r.now()
	return s.pipeline, nil
}

// Close dismisses the session's run, if any, and forgets the session.
func (r *SessionRegistry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "close session", fmt.Errorf("session_id=%s", id))
	}
	s.unsubscribe()
	s.pipeline.Dismiss()
	r.logger.Info("session_closed", "session_id", id)
	return nil
}

// Sweep evicts sessions idle for longer than the TTL. Sessions with a run in
// progress are kept regardless of idleness.
func (r *SessionRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*session
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) < r.idleTTL || s.pipeline.Snapshot().State.InProgress() {
			continue
		}
		expired = append(expired, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.unsubscribe()
		s.pipeline.Dismiss()
	}
	if len(expired) > 0 {
		r.logger.Info("sessions_evicted", "count", len(expired))
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *SessionRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			r.Sweep(tick)
		}
	}
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DiagnosisEventObserver publishes one DiagnosisEvent per terminal transition.
// Publish failures are logged and never touch pipeline state.
func DiagnosisEventObserver(publisher ports.EventPublisher, timeout time.Duration) SessionObserver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := logging.New("diagnosis_events")

	return func(sessionID string, snap domain.PipelineSnapshot) {
		if !snap.State.Terminal() {
			return
		}

		event := NewDiagnosisEvent(sessionID, snap)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := publisher.PublishDiagnosis(ctx, event); err != nil {
			logger.Warn("diagnosis_event_publish_failed",
				"session_id", sessionID,
				"run_id", snap.RunID,
				"error", err,
			)
		}
	}
}

func NewDiagnosisEvent(sessionID string, snap domain.PipelineSnapshot) domain.DiagnosisEvent {
	event := domain.DiagnosisEvent{
		SessionID:     sessionID,
		RunID:         snap.RunID,
		State:         snap.State,
		PlantName:     snap.PlantName,
		MoistureLevel: snap.MoistureLevel,
		HealthLabel:   snap.HealthLabel,
		OccurredAt:    snap.UpdatedAt,
	}
	if !snap.StartedAt.IsZero() {
		event.DurationMS = snap.UpdatedAt.Sub(snap.StartedAt).Milliseconds()
	}
	if snap.Failure != nil {
		event.FailureKind = snap.Failure.Kind
		event.Retryable = snap.Failure.Retryable
	}
	return event
}

// DiagnoseOnce runs input through a throwaway session and returns the terminal snapshot.
// The session is closed on return, which also dismisses a run still in flight when ctx ends.
func DiagnoseOnce(ctx context.Context, sessions ports.DiagnosisSessions, input domain.DiagnosisInput) (domain.PipelineSnapshot, error) {
	id, err := sessions.Create()
	if err != nil {
		return domain.PipelineSnapshot{}, err
	}
	defer func() {
		if err := sessions.Close(id); err != nil {
			logging.New("sessions").Warn("session_close_failed", "session_id", id, "error", err)
		}
	}()

	pipeline, err := sessions.Get(id)
	if err != nil {
		return domain.PipelineSnapshot{}, err
	}
	runID, err := pipeline.Submit(ctx, input)
	if err != nil {
		return domain.PipelineSnapshot{}, err
	}
	return pipeline.Wait(ctx, runID)
}
