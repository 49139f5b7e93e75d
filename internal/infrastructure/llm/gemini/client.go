package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.5-flash-latest"
)

// Client requests care recommendations from the Gemini generateContent endpoint.
// It holds no conversation state between calls.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

type Options struct {
	BaseURL    string
	Model      string
	APIKey     string
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
		// Per-attempt deadlines come from the caller's context.
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
	}
}

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Recommend sends req.Prompt verbatim and returns the first candidate's text.
// A missing API key fails with ErrConfiguration before any network call.
func (c *Client) Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error) {
	if c.apiKey == "" {
		return domain.RecommendationResult{}, domain.WrapError(
			domain.ErrConfiguration,
			"gemini generate content",
			errors.New("GOOGLE_API_KEY is not set"),
		)
	}

	payload := generateContentRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
	}
	var response generateContentResponse
	path := "/v1beta/models/" + c.model + ":generateContent"
	if err := c.postJSON(ctx, path, payload, &response, "generate content"); err != nil {
		return domain.RecommendationResult{}, err
	}

	text, err := firstCandidateText(response)
	if err != nil {
		return domain.RecommendationResult{}, domain.WrapError(domain.ErrUpstream, "gemini generate content", err)
	}
	return domain.RecommendationResult{Text: text}, nil
}

func firstCandidateText(response generateContentResponse) (string, error) {
	if len(response.Candidates) == 0 {
		if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", response.PromptFeedback.BlockReason)
		}
		return "", errors.New("response has no candidates")
	}
	parts := response.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", fmt.Errorf("candidate has no parts (finish_reason=%s)", response.Candidates[0].FinishReason)
	}
	text := strings.TrimSpace(parts[0].Text)
	if text == "" {
		return "", errors.New("candidate text is empty")
	}
	return text, nil
}
