package ollama

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.1"
)

// Client asks a self-hosted Ollama server for care advice. It is the offline
// alternative to the Gemini advisory client and needs no credential.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type Options struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func New(opts Options) *Client {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

// Recommend sends req.Prompt verbatim as a single non-streaming generation.
func (c *Client) Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error) {
	payload := generateRequest{Model: c.model, Prompt: req.Prompt, Stream: false}

	var response generateResponse
	if err := c.postJSON(ctx, "/api/generate", payload, &response, "generate"); err != nil {
		return domain.RecommendationResult{}, err
	}

	text := strings.TrimSpace(response.Response)
	if text == "" {
		return domain.RecommendationResult{}, domain.WrapError(
			domain.ErrUpstream,
			"ollama generate",
			errors.New("empty response (done_reason="+response.DoneReason+")"),
		)
	}
	return domain.RecommendationResult{Text: text}, nil
}
