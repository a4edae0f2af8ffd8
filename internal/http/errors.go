package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"odwatch/internal/core"
	"odwatch/internal/vote"
)

// APIError is the JSON body of every failed API request.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

func newAPIError(status int, code, message string) *APIError {
	return &APIError{StatusCode: status, ErrorCode: code, Message: message}
}

var (
	errInvalidRequest     = newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	errNotFound           = newAPIError(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	errMethodNotAllowed   = newAPIError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	errRateLimitExceeded  = newAPIError(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
	errInternal           = newAPIError(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	errWebSocketUpgrade   = newAPIError(http.StatusBadRequest, "WEBSOCKET_UPGRADE_FAILED", "WebSocket upgrade failed")
	errDatasetUnavailable = newAPIError(http.StatusServiceUnavailable, "DATASET_UNAVAILABLE", "No dataset has been loaded yet")
)

// toAPIError maps domain errors onto HTTP statuses. Load errors and vote
// errors map independently.
func toAPIError(err error) *APIError {
	var (
		apiErr    *APIError
		schemaErr *core.SchemaError
		fetchErr  *core.FetchError
		txErr     *core.TransactionError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, core.ErrNoDataset):
		return errDatasetUnavailable
	case errors.As(err, &schemaErr):
		return &APIError{
			StatusCode: http.StatusBadGateway,
			ErrorCode:  "DATASET_SCHEMA",
			Message:    schemaErr.Error(),
			Details:    map[string][]string{"missing": schemaErr.Missing, "found": schemaErr.Found},
		}
	case errors.As(err, &fetchErr):
		return newAPIError(http.StatusBadGateway, "DATASET_FETCH", fetchErr.Error())
	case errors.Is(err, core.ErrInvalidDirection):
		return newAPIError(http.StatusBadRequest, "INVALID_DIRECTION", `direction must be "for" or "against"`)
	case errors.Is(err, vote.ErrNotReady):
		return newAPIError(http.StatusConflict, "POLL_NOT_READY", err.Error())
	case errors.Is(err, core.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "POLL_DISABLED", "Voting is not available")
	case errors.As(err, &txErr):
		return newAPIError(http.StatusServiceUnavailable, "VOTE_NOT_RECORDED", txErr.Error()+"; please retry")
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "TIMEOUT", "The request took too long to process")
	default:
		return errInternal
	}
}
