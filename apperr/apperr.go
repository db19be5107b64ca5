// Package apperr holds the error kinds shared by the retrieval, agent and
// ingestion packages. Producers wrap one of the sentinels with fmt.Errorf and
// "%w"; callers classify with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStoreUnavailable means no index has been built yet.
	ErrStoreUnavailable = errors.New("vector store not initialized")
	// ErrRerankFailure is recovered by keeping the unranked order.
	ErrRerankFailure = errors.New("rerank failed")
	// ErrUnknownTool is returned when the generator names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolInvocation wraps any failure inside a single tool call.
	ErrToolInvocation = errors.New("tool invocation failed")
	// ErrGeneratorUnavailable is fatal for the current request.
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	// ErrIndexBuildConflict rejects a build while another one is in flight.
	ErrIndexBuildConflict = errors.New("index build already in progress")
	// ErrInvalidInput rejects malformed requests before any pipeline runs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCancelled reports that the caller went away.
	ErrCancelled = errors.New("request cancelled")
)

// StatusClientClosedRequest is the non-standard status used when the client
// cancelled the request.
const StatusClientClosedRequest = 499

type inputError struct{ msg string }

func (e *inputError) Error() string        { return e.msg }
func (e *inputError) Is(target error) bool { return target == ErrInvalidInput }

// Invalid returns an error that matches ErrInvalidInput and whose message is
// exactly the formatted text, so it can be shown to the caller as is.
func Invalid(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

// FromContext returns ErrCancelled (wrapping the context error) when ctx is
// done, and err unchanged otherwise.
func FromContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
	}
	return err
}

// HTTPStatus maps an error kind to the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexBuildConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, ErrGeneratorUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
