package domain

type EngineState string

const (
	EngineUnloaded EngineState = "unloaded"
	EngineLoading  EngineState = "loading"
	EngineReady    EngineState = "ready"
)

type ModelInfo struct {
	State      EngineState `json:"state"`
	Version    string      `json:"version,omitempty"`
	Labels     []string    `json:"labels,omitempty"`
	InputShape []int64     `json:"input_shape,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}
