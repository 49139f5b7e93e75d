package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
)

// Model is one loaded inference graph. Run returns one score per label.
type Model interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Loader builds a Model from raw artifact bytes.
type Loader interface {
	Load(ctx context.Context, manifest Manifest, modelData []byte) (Model, error)
}

type StateObserver func(state domain.EngineState)

type Options struct {
	LoadTimeout time.Duration
}

// Engine owns the single loaded model of the process and its lifecycle
// Unloaded -> Loading -> Ready -> Unloaded.
type Engine struct {
	source      ArtifactSource
	loader      Loader
	loadTimeout time.Duration
	logger      *slog.Logger

	group singleflight.Group

	// notifyMu keeps observer notifications in transition order.
	notifyMu sync.Mutex

	mu             sync.RWMutex
	state          domain.EngineState
	generation     uint64
	manifest       Manifest
	model          Model
	lastErr        string
	observers      map[int]StateObserver
	nextObserverID int
}

func NewEngine(source ArtifactSource, loader Loader, opts Options) *Engine {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}
	return &Engine{
		source:      source,
		loader:      loader,
		loadTimeout: opts.LoadTimeout,
		logger:      logging.New("classifier"),
		state:       domain.EngineUnloaded,
		observers:   make(map[int]StateObserver),
	}
}

// Load loads the model once. Concurrent callers share the in-flight load; a caller
// whose ctx ends stops waiting without aborting the load for the others.
func (e *Engine) Load(ctx context.Context) error {
	if e.State() == domain.EngineReady {
		return nil
	}

	ch := e.group.DoChan("load", func() (any, error) {
		return nil, e.load()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Warm starts a load in the background when no model is loaded or loading. It
// joins the same single-flight as Load and never blocks.
func (e *Engine) Warm() {
	if e.State() != domain.EngineUnloaded {
		return
	}
	e.logger.Info("model_load_triggered")
	e.group.DoChan("load", func() (any, error) {
		return nil, e.load()
	})
}

func (e *Engine) load() error {
	gen, proceed := e.beginLoad()
	if !proceed {
		return nil
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.loadTimeout)
	defer cancel()

	manifest, model, err := e.fetch(ctx)
	if err != nil {
		err = domain.WrapError(domain.ErrModelLoad, "load model", err)
		e.transition(func() bool {
			if e.generation != gen {
				return false
			}
			e.state = domain.EngineUnloaded
			e.lastErr = err.Error()
			return true
		})
		e.logger.Error("model_load_failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		return err
	}

	applied := e.transition(func() bool {
		if e.generation != gen {
			return false
		}
		e.state = domain.EngineReady
		e.manifest = manifest
		e.model = model
		e.lastErr = ""
		return true
	})
	if !applied {
		// Closed while loading.
		_ = model.Close()
		return domain.WrapError(domain.ErrModelLoad, "load model", errors.New("engine closed during load"))
	}

	e.logger.Info("model_loaded",
		"version", manifest.Version,
		"labels", len(manifest.Labels),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (e *Engine) beginLoad() (uint64, bool) {
	var gen uint64
	proceed := e.transition(func() bool {
		if e.state == domain.EngineReady {
			return false
		}
		e.state = domain.EngineLoading
		gen = e.generation
		return true
	})
	return gen, proceed
}

func (e *Engine) fetch(ctx context.Context) (Manifest, Model, error) {
	set, err := readArtifacts(ctx, e.source)
	if err != nil {
		return Manifest{}, nil, err
	}
	model, err := e.loader.Load(ctx, set.manifest, set.modelData)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("build model %s: %w", set.manifest.Version, err)
	}
	return set.manifest, model, nil
}

// Predict scores one tensor and returns the label at the first maximal score.
func (e *Engine) Predict(ctx context.Context, tensor domain.InputTensor) (domain.ClassLabel, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != domain.EngineReady {
		return "", domain.WrapError(domain.ErrEngineNotReady, "predict", fmt.Errorf("engine state is %s", e.state))
	}
	if !slices.Equal(tensor.Shape, e.manifest.InputShape) || len(tensor.Data) != tensor.Elements() {
		return "", domain.WrapError(domain.ErrShape, "predict",
			fmt.Errorf("tensor shape %v with %d values, model expects %v", tensor.Shape, len(tensor.Data), e.manifest.InputShape))
	}

	scores, err := e.model.Run(tensor.Data)
	if err != nil {
		return "", domain.WrapError(domain.ErrInference, "predict", err)
	}
	if len(scores) != len(e.manifest.Labels) {
		return "", domain.WrapError(domain.ErrInference, "predict",
			fmt.Errorf("model returned %d scores for %d labels", len(scores), len(e.manifest.Labels)))
	}
	idx := Argmax(scores)
	if idx < 0 {
		return "", domain.WrapError(domain.ErrInference, "predict", errors.New("model returned no comparable scores"))
	}
	return domain.ClassLabel(e.manifest.Labels[idx]), nil
}

// Argmax returns the lowest index holding the maximum score, ignoring NaNs.
// It returns -1 when no score is comparable.
func Argmax(scores []float32) int {
	best := -1
	for i, score := range scores {
		if math.IsNaN(float64(score)) {
			continue
		}
		if best < 0 || score > scores[best] {
			best = i
		}
	}
	return best
}

func (e *Engine) State() domain.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Info() domain.ModelInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := domain.ModelInfo{State: e.state, LastError: e.lastErr}
	if e.state == domain.EngineReady {
		info.Version = e.manifest.Version
		info.Labels = slices.Clone(e.manifest.Labels)
		info.InputShape = slices.Clone(e.manifest.InputShape)
	}
	return info
}

// InputSize reports the spatial input size of the loaded model.
func (e *Engine) InputSize() (height, width int, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != domain.EngineReady {
		return 0, 0, false
	}
	height, width = e.manifest.InputSize()
	return height, width, true
}

// Subscribe registers observer for every state transition, in order.
func (e *Engine) Subscribe(observer StateObserver) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextObserverID
	e.nextObserverID++
	e.observers[id] = observer
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Close releases the model and returns the engine to Unloaded. An in-flight
// load is invalidated and its result discarded.
func (e *Engine) Close() error {
	var model Model
	e.transition(func() bool {
		e.generation++
		model = e.model
		e.model = nil
		e.manifest = Manifest{}
		if e.state == domain.EngineUnloaded {
			return false
		}
		e.state = domain.EngineUnloaded
		return true
	})
	if model != nil {
		return model.Close()
	}
	return nil
}

// transition applies mutate under the state lock and, when it reports a change,
// notifies observers of the new state.
func (e *Engine) transition(mutate func() bool) bool {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	changed := mutate()
	state := e.state
	var observers []StateObserver
	if changed {
		for id := 0; id < e.nextObserverID; id++ {
			if observer, ok := e.observers[id]; ok {
				observers = append(observers, observer)
			}
		}
	}
	e.mu.Unlock()

	for _, observer := range observers {
		observer(state)
	}
	return changed
}
