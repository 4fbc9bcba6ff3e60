package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransient covers network errors, timeouts, 5xx, 408 and 429. The entity stays
	// in its non-terminal state and becomes eligible for retry.
	ErrTransient = errors.New("transient provider error")
	// ErrRejected is a business rejection by the provider.
	ErrRejected = errors.New("provider rejected request")
)

// TransientError wraps the underlying cause of a retryable failure.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error        { return e.Err }
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RejectedError carries the provider's reason and any field-level validation errors.
type RejectedError struct {
	StatusCode       int
	Reason           string
	ValidationErrors []string
	Response         map[string]interface{}
}

func (e *RejectedError) Error() string {
	if len(e.ValidationErrors) > 0 {
		return fmt.Sprintf("provider rejected request (HTTP %d): %s [%s]", e.StatusCode, e.Reason, strings.Join(e.ValidationErrors, "; "))
	}
	return fmt.Sprintf("provider rejected request (HTTP %d): %s", e.StatusCode, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// AsRejected unwraps a RejectedError.
func AsRejected(err error) (*RejectedError, bool) {
	var r *RejectedError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classifyTransportError turns a failed round trip into a TransientError.
// Cancellation by the caller is returned unchanged.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return err
	}
	return &TransientError{Err: err}
}

// classifyStatus maps a non-2xx response onto the taxonomy.
func classifyStatus(status int, body map[string]interface{}) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return &TransientError{StatusCode: status, Err: errors.New(reasonFrom(body, http.StatusText(status)))}
	default:
		return &RejectedError{
			StatusCode:       status,
			Reason:           reasonFrom(body, http.StatusText(status)),
			ValidationErrors: validationErrorsFrom(body),
			Response:         body,
		}
	}
}

func reasonFrom(body map[string]interface{}, fallback string) string {
	for _, k := range []string{"reason", "message", "error_description", "error", "resultMsg"} {
		if s, ok := body[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func validationErrorsFrom(body map[string]interface{}) []string {
	for _, k := range []string{"validation_errors", "errors"} {
		list, ok := body[k].([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				out = append(out, v)
			case map[string]interface{}:
				msg := reasonFrom(v, "")
				if field, ok := v["field"].(string); ok && field != "" {
					msg = field + ": " + msg
				}
				if msg != "" {
					out = append(out, msg)
				}
			}
		}
		return out
	}
	return nil
}
