package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/gateway"
	"github.com/example/chatterbox-api/internal/params"
	"github.com/example/chatterbox-api/internal/store"
)

// errFieldRequired marks a request that is missing a mandatory field.
type errFieldRequired string

func (e errFieldRequired) Error() string { return string(e) + ": field required" }

// statusFor maps an error to the status and message sent to the client.
// Client errors echo their message; server errors never expose engine or
// codec internals.
func statusFor(err error) (int, string) {
	var (
		parseErr    *params.ParseError
		invalidErr  *params.InvalidParameterError
		requiredErr errFieldRequired
		tooLarge    *http.MaxBytesError
		encodeErr   *audio.EncodingError
		inferErr    *gateway.InferenceError
	)
	switch {
	case errors.As(err, &requiredErr), errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest, invalidErr.Error()
	case errors.As(err, &tooLarge):
		return http.StatusBadRequest, "request body too large"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrInvalidName):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, gateway.ErrModelNotReady):
		return http.StatusServiceUnavailable, "Model not loaded"
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, "audio generation timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.As(err, &encodeErr):
		return http.StatusInternalServerError, "audio encoding failed (" + string(encodeErr.Format) + ")"
	case errors.As(err, &inferErr):
		return http.StatusInternalServerError, "audio generation failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// fail writes the mapped error response and logs it at a level matching
// its severity.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)

	attrs := []any{
		slog.String("op", op),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		h.log.ErrorContext(r.Context(), "request failed", attrs...)
	case status == http.StatusServiceUnavailable:
		h.log.WarnContext(r.Context(), "request rejected", attrs...)
	default:
		h.log.DebugContext(r.Context(), "request rejected", attrs...)
	}

	writeError(w, status, msg)
}
