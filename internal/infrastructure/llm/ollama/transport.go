package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTemporaryIfNeeded("ollama "+operation, domain.WrapError(
			domain.ErrNetwork, "ollama "+operation, fmt.Errorf("request: %w", err),
		))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		statusErr := newHTTPStatusError(operation, resp)
		return wrapTemporaryIfNeeded("ollama "+operation, domain.WrapError(domain.ErrUpstream, "ollama "+operation, statusErr))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.ErrUpstream, "ollama "+operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func newHTTPStatusError(operation string, resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
