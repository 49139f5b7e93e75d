package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const testManifest = `version: plant-health-test
model_file: model.onnx
input_shape: [1, 4, 4, 3]
output_shape: [1, 3]
labels: [Healthy, Leaf Spot, Root Rot]
`

type memorySource struct {
	mu    sync.Mutex
	files map[string][]byte
	opens map[string]int
}

func newMemorySource(files map[string]string) *memorySource {
	s := &memorySource{files: make(map[string][]byte), opens: make(map[string]int)}
	for k, v := range files {
		s.files[k] = []byte(v)
	}
	return s
}

func (s *memorySource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens[key]++
	data, ok := s.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open artifact", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeModel struct {
	scores []float32
	err    error
	closed atomic.Bool
}

func (m *fakeModel) Run([]float32) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.scores...), nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type fakeLoader struct {
	model *fakeModel
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (l *fakeLoader) Load(_ context.Context, _ Manifest, _ []byte) (Model, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

func readyTensor() domain.InputTensor {
	return domain.InputTensor{Shape: []int64{1, 4, 4, 3}, Data: make([]float32, 48)}
}

func newTestEngine(loader *fakeLoader) *Engine {
	source := newMemorySource(map[string]string{ManifestFile: testManifest, "model.onnx": "onnx-bytes"})
	return NewEngine(source, loader, Options{LoadTimeout: time.Second})
}

func TestPredictBeforeLoadIsNotReady(t *testing.T) {
	engine := newTestEngine(&fakeLoader{model: &fakeModel{scores: []float32{1, 0, 0}}})

	if _, err := engine.Predict(context.Background(), readyTensor()); !domain.IsKind(err, domain.ErrEngineNotReady) {
		t.Fatalf("expected engine not ready, got %v", err)
	}
}

func TestLoadIsSingleFlightAndNotifiesInOrder(t *testing.T) {
	loader := &fakeLoader{model: &fakeModel{scores: []float32{0.1, 0.8, 0.1}}, gate: make(chan struct{})}
	engine := newTestEngine(loader)

	var mu sync.Mutex
	var states []domain.EngineState
	engine.Subscribe(func(state domain.EngineState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Load(context.Background())
		}()
	}
	for engine.State() != domain.EngineLoading {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(loader.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected one model build, got %d", loader.calls.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]domain.EngineState{domain.EngineLoading, domain.EngineReady}, states); diff != "" {
		t.Fatalf("transition mismatch (-want +got):\n%s", diff)
	}

	label, err := engine.Predict(context.Background(), readyTensor())
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if label != "Leaf Spot" {
		t.Fatalf("expected Leaf Spot, got %q", label)
	}
}

func TestLoadCallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	loader := &fakeLoader{model: &fakeModel{scores: []float32{1, 0, 0}}, gate: make(chan struct{})}
	engine := newTestEngine(loader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Load(ctx) }()
	for engine.State() != domain.EngineLoading {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled caller, got %v", err)
	}

	close(loader.gate)
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if engine.State() != domain.EngineReady || loader.calls.Load() != 1 {
		t.Fatalf("expected the original load to finish, state=%s calls=%d", engine.State(), loader.calls.Load())
	}
}

func TestLoadFailureReturnsToUnloadedAndAllowsRetry(t *testing.T) {
	loader := &fakeLoader{err: errors.New("bad graph")}
	engine := newTestEngine(loader)

	err := engine.Load(context.Background())
	if !domain.IsKind(err, domain.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
	info := engine.Info()
	if info.State != domain.EngineUnloaded || info.LastError == "" {
		t.Fatalf("expected unloaded with last error, got %+v", info)
	}

	loader.err = nil
	loader.model = &fakeModel{scores: []float32{1, 0, 0}}
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("retry Load() error = %v", err)
	}
	info = engine.Info()
	if info.State != domain.EngineReady || info.Version != "plant-health-test" || info.LastError != "" {
		t.Fatalf("unexpected info after retry: %+v", info)
	}
}

func TestLoadRejectsChecksumMismatch(t *testing.T) {
	sum := sha256.Sum256([]byte("other-bytes"))
	manifest := testManifest + "model_sha256: " + hex.EncodeToString(sum[:]) + "\n"
	source := newMemorySource(map[string]string{ManifestFile: manifest, "model.onnx": "onnx-bytes"})
	loader := &fakeLoader{model: &fakeModel{}}
	engine := NewEngine(source, loader, Options{})

	if err := engine.Load(context.Background()); !domain.IsKind(err, domain.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if loader.calls.Load() != 0 {
		t.Fatalf("expected loader not to run on checksum mismatch")
	}
}

func TestLoadMissingArtifactFails(t *testing.T) {
	source := newMemorySource(map[string]string{ManifestFile: testManifest})
	engine := NewEngine(source, &fakeLoader{model: &fakeModel{}}, Options{})

	err := engine.Load(context.Background())
	if !domain.IsKind(err, domain.ErrModelLoad) || !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected model load error wrapping not found, got %v", err)
	}
}

func TestPredictValidatesShapeAndScores(t *testing.T) {
	model := &fakeModel{scores: []float32{1, 0}}
	engine := newTestEngine(&fakeLoader{model: model})
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wrongShape := domain.InputTensor{Shape: []int64{1, 8, 8, 3}, Data: make([]float32, 192)}
	if _, err := engine.Predict(context.Background(), wrongShape); !domain.IsKind(err, domain.ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
	short := domain.InputTensor{Shape: []int64{1, 4, 4, 3}, Data: make([]float32, 10)}
	if _, err := engine.Predict(context.Background(), short); !domain.IsKind(err, domain.ErrShape) {
		t.Fatalf("expected shape error for short data, got %v", err)
	}
	if _, err := engine.Predict(context.Background(), readyTensor()); !domain.IsKind(err, domain.ErrInference) {
		t.Fatalf("expected inference error for score count mismatch, got %v", err)
	}

	model.scores = nil
	model.err = errors.New("runtime fault")
	if _, err := engine.Predict(context.Background(), readyTensor()); !domain.IsKind(err, domain.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestCloseReleasesModel(t *testing.T) {
	model := &fakeModel{scores: []float32{1, 0, 0}}
	engine := newTestEngine(&fakeLoader{model: model})
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !model.closed.Load() || engine.State() != domain.EngineUnloaded {
		t.Fatalf("expected model closed and engine unloaded")
	}
	if _, err := engine.Predict(context.Background(), readyTensor()); !domain.IsKind(err, domain.ErrEngineNotReady) {
		t.Fatalf("expected not ready after close, got %v", err)
	}
}

func TestArgmaxPicksFirstMaximum(t *testing.T) {
	cases := []struct {
		scores []float32
		want   int
	}{
		{scores: []float32{0.1, 0.7, 0.7, 0.2}, want: 1},
		{scores: []float32{3, 3, 3}, want: 0},
		{scores: []float32{-5, -1, -3}, want: 1},
		{scores: []float32{float32(nanValue()), 0.2, 0.2}, want: 1},
		{scores: nil, want: -1},
	}
	for _, tc := range cases {
		for range 50 {
			if got := Argmax(tc.scores); got != tc.want {
				t.Fatalf("Argmax(%v) = %d, want %d", tc.scores, got, tc.want)
			}
		}
	}
}

func waitForState(t *testing.T, engine *Engine, want domain.EngineState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for engine.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("engine state = %s, want %s", engine.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWarmLoadsAfterFailedLoad(t *testing.T) {
	loader := &fakeLoader{err: errors.New("artifact host unreachable")}
	engine := newTestEngine(loader)
	if err := engine.Load(context.Background()); !domain.IsKind(err, domain.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}

	loader.err = nil
	loader.model = &fakeModel{scores: []float32{0, 1, 0}}
	engine.Warm()
	waitForState(t, engine, domain.EngineReady)

	label, err := engine.Predict(context.Background(), readyTensor())
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if label != "Leaf Spot" {
		t.Fatalf("unexpected label %q", label)
	}
}

func TestWarmJoinsInFlightLoad(t *testing.T) {
	loader := &fakeLoader{model: &fakeModel{scores: []float32{1, 0, 0}}, gate: make(chan struct{})}
	engine := newTestEngine(loader)

	engine.Warm()
	waitForState(t, engine, domain.EngineLoading)
	engine.Warm()
	engine.Warm()
	close(loader.gate)
	waitForState(t, engine, domain.EngineReady)

	engine.Warm()
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("expected one model build, got %d", got)
	}
}
