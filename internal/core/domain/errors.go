package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTemporary       = errors.New("temporary failure")

	ErrDecode = errors.New("image decode failed")
	ErrShape  = errors.New("tensor shape mismatch")

	ErrModelLoad      = errors.New("model load failed")
	ErrEngineNotReady = errors.New("classification engine not ready")
	ErrInference      = errors.New("inference failed")

	ErrConfiguration = errors.New("advisory not configured")
	ErrUpstream      = errors.New("advisory upstream error")
	ErrNetwork       = errors.New("advisory network error")

	ErrRunInProgress = errors.New("diagnosis run in progress")
	ErrRunSuperseded = errors.New("diagnosis run superseded")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
