package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
	"github.com/kirillkom/plant-care-assistant/internal/core/usecase"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/classifier"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/imaging"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/species/ckan"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
	"github.com/kirillkom/plant-care-assistant/internal/observability/metrics"
)

const eventPublishTimeout = 5 * time.Second

type App struct {
	Config config.Config

	Engine   *classifier.Engine
	Sessions *usecase.SessionRegistry
	Species  *usecase.SpeciesSearchUseCase
	Metrics  *metrics.HTTPServerMetrics
	Events   ports.EventPublisher

	closeFn func()
}

// New wires every adapter into the use cases. It does not load the model; callers
// decide between preloading and lazy loading.
func New(_ context.Context, cfg config.Config) (*App, error) {
	logger := logging.New("bootstrap")
	httpMetrics := metrics.NewHTTPServerMetrics("api")
	hooks := resilience.Hooks{
		OnRetry: httpMetrics.RecordRetry,
		OnStateChange: func(operation string, to gobreaker.State) {
			httpMetrics.SetCircuitOpen(operation, to == gobreaker.StateOpen)
		},
	}

	engine := NewEngine(cfg, logger)
	httpMetrics.SetModelState(engine.State())
	unsubscribe := engine.Subscribe(httpMetrics.SetModelState)

	advisoryPolicy := resilience.DefaultConfig()
	advisoryPolicy.RetryMaxAttempts = cfg.AdvisoryMaxAttempts
	advisoryPolicy.BreakerEnabled = cfg.AdvisoryBreakerEnabled
	guard := resilience.NewDomainGuard(resilience.NewExecutor(advisoryPolicy, hooks))

	advisor, err := NewAdvisor(cfg, logger)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	decoder := imaging.NewDecoder(cfg.MaxImageBytes)
	preprocessor := imaging.NewModelSizedPreprocessor(engine)
	limits := domain.PipelineLimits{AdviceTimeout: cfg.AdvisoryTimeout()}
	newPipeline := func() *usecase.PipelineOrchestrator {
		return usecase.NewPipelineOrchestrator(decoder, preprocessor, engine, advisor, guard, limits)
	}

	events, closeEvents, err := newEventPublisher(cfg, hooks, logger)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	sessions := usecase.NewSessionRegistry(
		newPipeline,
		cfg.SessionIdleTTL(),
		httpMetrics.ObservePipeline,
		usecase.DiagnosisEventObserver(events, eventPublishTimeout),
	)

	species := NewSpeciesSearch(cfg, httpMetrics.RecordSpeciesSearch)

	return &App{
		Config:   cfg,
		Engine:   engine,
		Sessions: sessions,
		Species:  species,
		Metrics:  httpMetrics,
		Events:   events,
		closeFn: func() {
			unsubscribe()
			closeEvents()
			if err := engine.Close(); err != nil {
				logger.Warn("model_close_failed", "error", err)
			}
		},
	}, nil
}

// NewAdvisor picks the advisory backend named by ADVISORY_PROVIDER.
func NewAdvisor(cfg config.Config, logger *slog.Logger) (ports.AdvisoryClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AdvisoryProvider)) {
	case "", "gemini":
		if cfg.GoogleAPIKey == "" {
			logger.Warn("advisory_not_configured", "hint", "set GOOGLE_API_KEY to enable recommendations")
		}
		return gemini.New(gemini.Options{
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			APIKey:  cfg.GoogleAPIKey,
		}), nil
	case "ollama":
		logger.Info("advisory_provider_selected", "provider", "ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return ollama.New(ollama.Options{BaseURL: cfg.OllamaURL, Model: cfg.OllamaModel}), nil
	default:
		return nil, fmt.Errorf("unknown ADVISORY_PROVIDER %q (want gemini or ollama)", cfg.AdvisoryProvider)
	}
}

// NewEngine builds the classification engine for cfg.ModelLocation with the ONNX
// runtime loader. An unusable location leaves the engine unloadable rather than
// failing startup; every Load then reports the location error.
func NewEngine(cfg config.Config, logger *slog.Logger) *classifier.Engine {
	source, err := classifier.SourceFor(cfg.ModelLocation)
	if err != nil {
		logger.Error("model_location_unavailable", "location", cfg.ModelLocation, "error", err)
		source = unavailableSource{err: err}
	}
	return classifier.NewEngine(
		source,
		classifier.NewONNXLoader(cfg.ONNXRuntimeLib),
		classifier.Options{LoadTimeout: cfg.ModelLoadTimeout()},
	)
}

type unavailableSource struct {
	err error
}

func (s unavailableSource) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, s.err
}

// NewSpeciesSearch builds the cached species lookup over the CKAN dataset. observe
// may be nil.
func NewSpeciesSearch(cfg config.Config, observe func(status string)) *usecase.SpeciesSearchUseCase {
	return usecase.NewSpeciesSearchUseCase(
		ckan.New(cfg.SpeciesAPIURL, cfg.SpeciesResourceID, &http.Client{Timeout: 15 * time.Second}),
		usecase.SpeciesSearchOptions{
			MinQueryChars: cfg.SpeciesMinQueryChars,
			CacheTTL:      cfg.SpeciesCacheTTL(),
			Observe:       observe,
		},
	)
}

// NewEventConsumer connects to the diagnosis event stream for the worker.
func NewEventConsumer(cfg config.Config) (*nats.Publisher, error) {
	if cfg.NATSURL == "" {
		return nil, fmt.Errorf("NATS_URL is required for the diagnosis event worker")
	}
	consumer, err := nats.New(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		return nil, fmt.Errorf("init diagnosis event consumer: %w", err)
	}
	return consumer, nil
}

func newEventPublisher(cfg config.Config, hooks resilience.Hooks, logger *slog.Logger) (ports.EventPublisher, func(), error) {
	if cfg.NATSURL == "" {
		logger.Info("diagnosis_events_disabled")
		return nats.NoopPublisher{}, func() {}, nil
	}

	policy := resilience.DefaultConfig()
	policy.RetryInitialBackoff = 100 * time.Millisecond
	publisher, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(policy, hooks),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init diagnosis event publisher: %w", err)
	}
	return publisher, publisher.Close, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
