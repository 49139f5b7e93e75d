package usecase_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/usecase"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/classifier"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/imaging"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/resilience"
)

// shapeCheckingClassifier labels every tensor Unhealthy and records the shapes it saw.
type shapeCheckingClassifier struct {
	mu     sync.Mutex
	shapes [][]int64
}

func (c *shapeCheckingClassifier) Predict(_ context.Context, tensor domain.InputTensor) (domain.ClassLabel, error) {
	c.mu.Lock()
	c.shapes = append(c.shapes, append([]int64(nil), tensor.Shape...))
	c.mu.Unlock()
	return "Unhealthy", nil
}

type advisoryServer struct {
	*httptest.Server

	mu      sync.Mutex
	prompts []string
	status  int
}

func newAdvisoryServer(t *testing.T, status int) *advisoryServer {
	t.Helper()
	s := &advisoryServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		s.mu.Lock()
		if len(payload.Contents) > 0 && len(payload.Contents[0].Parts) > 0 {
			s.prompts = append(s.prompts, payload.Contents[0].Parts[0].Text)
		}
		s.mu.Unlock()

		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if s.status != http.StatusOK {
			http.Error(w, `{"error":{"message":"overloaded"}}`, s.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Let the soil dry out between waterings."}]},"finishReason":"STOP"}]}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *advisoryServer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func newRealPipeline(t *testing.T, advisoryURL string, classifier *shapeCheckingClassifier) *usecase.PipelineOrchestrator {
	t.Helper()
	policy := resilience.DefaultConfig()
	policy.RetryInitialBackoff = time.Millisecond
	policy.RetryMaxBackoff = time.Millisecond

	return usecase.NewPipelineOrchestrator(
		imaging.NewDecoder(1_000_000),
		imaging.NewPreprocessor(128, 128),
		classifier,
		gemini.New(gemini.Options{BaseURL: advisoryURL, Model: "gemini-test", APIKey: "test-key"}),
		resilience.NewDomainGuard(resilience.NewExecutor(policy)),
		domain.PipelineLimits{AdviceTimeout: 5 * time.Second},
	)
}

func jpegPhoto(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: uint8(100 + x%100), B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func runToCompletion(t *testing.T, p *usecase.PipelineOrchestrator, input domain.DiagnosisInput) domain.PipelineSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, err := p.Submit(ctx, input)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap, err := p.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return snap
}

func TestPipelineDiagnosesJPEGEndToEnd(t *testing.T) {
	server := newAdvisoryServer(t, http.StatusOK)
	classifier := &shapeCheckingClassifier{}
	p := newRealPipeline(t, server.URL, classifier)

	snap := runToCompletion(t, p, domain.DiagnosisInput{
		PlantName:     "Fern",
		MoistureLevel: "Low",
		Image:         jpegPhoto(t, 200, 200),
	})

	if snap.State != domain.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", snap.State, snap.Failure)
	}
	if snap.HealthLabel != "Unhealthy" {
		t.Fatalf("unexpected label %q", snap.HealthLabel)
	}
	if snap.Result == nil || snap.Result.Text != "Let the soil dry out between waterings." {
		t.Fatalf("unexpected result %+v", snap.Result)
	}

	if len(classifier.shapes) != 1 {
		t.Fatalf("expected one prediction, got %d", len(classifier.shapes))
	}
	if got := classifier.shapes[0]; len(got) != 4 || got[0] != 1 || got[1] != 128 || got[2] != 128 || got[3] != 3 {
		t.Fatalf("unexpected tensor shape %v", got)
	}

	prompts := server.calls()
	if len(prompts) != 1 {
		t.Fatalf("expected one advisory call, got %d", len(prompts))
	}
	for _, want := range []string{`"Fern"`, `"Low"`, `"Unhealthy"`} {
		if !strings.Contains(prompts[0], want) {
			t.Fatalf("prompt missing %s: %q", want, prompts[0])
		}
	}
}

func TestPipelineRejectsEmptyPhotoBeforeClassifying(t *testing.T) {
	server := newAdvisoryServer(t, http.StatusOK)
	classifier := &shapeCheckingClassifier{}
	p := newRealPipeline(t, server.URL, classifier)

	snap := runToCompletion(t, p, domain.DiagnosisInput{
		PlantName:     "Fern",
		MoistureLevel: "Low",
		Image:         []byte{},
	})

	if snap.State != domain.StateFailed || snap.Failure == nil {
		t.Fatalf("expected failed run, got %+v", snap)
	}
	if snap.Failure.Kind != domain.FailureInput || snap.Failure.Stage != domain.StatePreprocessing {
		t.Fatalf("unexpected failure %+v", snap.Failure)
	}
	if len(classifier.shapes) != 0 || len(server.calls()) != 0 {
		t.Fatal("expected no classification or advisory call for an empty photo")
	}
}

func TestPipelineReportsRetryableAdvisoryOutage(t *testing.T) {
	server := newAdvisoryServer(t, http.StatusInternalServerError)
	classifier := &shapeCheckingClassifier{}
	p := newRealPipeline(t, server.URL, classifier)

	snap := runToCompletion(t, p, domain.DiagnosisInput{
		PlantName:     "Fern",
		MoistureLevel: "High",
		Image:         jpegPhoto(t, 64, 48),
	})

	if snap.State != domain.StateFailed || snap.Failure == nil {
		t.Fatalf("expected failed run, got %+v", snap)
	}
	if snap.Failure.Kind != domain.FailureAdvisory || !snap.Failure.Retryable {
		t.Fatalf("unexpected failure %+v", snap.Failure)
	}
	if snap.HealthLabel != "" || snap.Result != nil {
		t.Fatalf("expected no partial outcome on failure, got %+v", snap)
	}
	if got := len(server.calls()); got != 2 {
		t.Fatalf("expected one retry of the advisory call, got %d calls", got)
	}
}

const recoveringManifest = `version: plant-health-recovering
model_file: model.onnx
input_shape: [1, 8, 8, 3]
output_shape: [1, 2]
labels: [Healthy, Unhealthy]
`

// recoveringSource fails the first failures opens, then serves the artifacts.
type recoveringSource struct {
	mu       sync.Mutex
	failures int
}

func (s *recoveringSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("artifact host unreachable")
	}
	switch key {
	case classifier.ManifestFile:
		return io.NopCloser(strings.NewReader(recoveringManifest)), nil
	case "model.onnx":
		return io.NopCloser(strings.NewReader("onnx-bytes")), nil
	default:
		return nil, errors.New("unknown artifact " + key)
	}
}

type staticModel struct{}

func (staticModel) Run(input []float32) ([]float32, error) {
	if len(input) != 8*8*3 {
		return nil, errors.New("unexpected input length")
	}
	return []float32{0.2, 0.8}, nil
}

func (staticModel) Close() error { return nil }

type staticLoader struct{}

func (staticLoader) Load(context.Context, classifier.Manifest, []byte) (classifier.Model, error) {
	return staticModel{}, nil
}

func TestPipelineRecoversAfterFailedPreload(t *testing.T) {
	server := newAdvisoryServer(t, http.StatusOK)
	engine := classifier.NewEngine(&recoveringSource{failures: 1}, staticLoader{}, classifier.Options{LoadTimeout: time.Second})
	defer engine.Close()

	if err := engine.Load(context.Background()); !domain.IsKind(err, domain.ErrModelLoad) {
		t.Fatalf("expected failed preload, got %v", err)
	}

	p := usecase.NewPipelineOrchestrator(
		imaging.NewDecoder(1_000_000),
		imaging.NewModelSizedPreprocessor(engine),
		engine,
		gemini.New(gemini.Options{BaseURL: server.URL, Model: "gemini-test", APIKey: "test-key"}),
		nil,
		domain.PipelineLimits{AdviceTimeout: 5 * time.Second},
	)
	input := domain.DiagnosisInput{PlantName: "Monstera", MoistureLevel: "42", Image: jpegPhoto(t, 200, 200)}

	first := runToCompletion(t, p, input)
	if first.Failure == nil || first.Failure.Kind != domain.FailureModelUnavailable || !first.Failure.Retryable {
		t.Fatalf("expected retryable model-unavailable failure, got %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for engine.State() != domain.EngineReady {
		if time.Now().After(deadline) {
			t.Fatalf("engine did not load after a retryable failure, state %s", engine.State())
		}
		time.Sleep(time.Millisecond)
	}

	second := runToCompletion(t, p, input)
	if second.State != domain.StateSucceeded {
		t.Fatalf("expected resubmission to succeed, got %s (%+v)", second.State, second.Failure)
	}
	if second.HealthLabel != "Unhealthy" {
		t.Fatalf("unexpected label %q", second.HealthLabel)
	}
}
