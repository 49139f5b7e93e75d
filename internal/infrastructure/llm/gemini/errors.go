package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "gemini status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("gemini %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("gemini %s status: %s: %s", e.Operation, e.Status, e.Body)
}

// wrapStatusError maps a non-2xx answer onto ErrUpstream, tagging throttling and
// server faults as ErrTemporary.
func wrapStatusError(err *HTTPStatusError) error {
	wrapped := domain.WrapError(domain.ErrUpstream, "gemini "+err.Operation, err)
	if isRetryableHTTPStatus(err.StatusCode) {
		return domain.WrapError(domain.ErrTemporary, "gemini "+err.Operation, wrapped)
	}
	return wrapped
}

// wrapTransportError maps connection failures and attempt timeouts onto ErrNetwork.
// Cancellation by the caller stays untagged so it is never retried.
func wrapTransportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("gemini %s request: %w", operation, err)
	}
	wrapped := domain.WrapError(domain.ErrNetwork, "gemini "+operation, err)
	return domain.WrapError(domain.ErrTemporary, "gemini "+operation, wrapped)
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
