package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// ONNXLoader builds models on the onnxruntime shared library.
type ONNXLoader struct {
	libraryPath string
}

func NewONNXLoader(libraryPath string) *ONNXLoader {
	return &ONNXLoader{libraryPath: strings.TrimSpace(libraryPath)}
}

func (l *ONNXLoader) initRuntime() error {
	runtimeOnce.Do(func() {
		if l.libraryPath != "" {
			ort.SetSharedLibraryPath(l.libraryPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				runtimeErr = fmt.Errorf("initialize onnxruntime: %w", err)
			}
		}
	})
	return runtimeErr
}

func (l *ONNXLoader) Load(_ context.Context, manifest Manifest, modelData []byte) (Model, error) {
	if err := l.initRuntime(); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(manifest.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(manifest.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(modelData,
		[]string{manifest.InputName}, []string{manifest.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxModel{session: session, input: input, output: output}, nil
}

// onnxModel runs one session on fixed tensors, so calls are serialised.
type onnxModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *onnxModel) Run(data []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, errors.New("onnx session is closed")
	}
	dst := m.input.GetData()
	if len(data) != len(dst) {
		return nil, fmt.Errorf("input has %d values, tensor holds %d", len(data), len(dst))
	}
	copy(dst, data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	return append([]float32(nil), m.output.GetData()...), nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := errors.Join(m.session.Destroy(), m.input.Destroy(), m.output.Destroy())
	m.session, m.input, m.output = nil, nil, nil
	return err
}
