package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/respond"
)

// StatusClientClosedRequest is reported when the caller goes away before
// the relay finishes. Nothing is usually left to read it, but it keeps
// access logs honest.
const StatusClientClosedRequest = 499

// failure is the boundary view of an error.
type failure struct {
	status      int
	code        string
	description string
}

// classify maps a pipeline error to its HTTP response. Descriptions
// never include secrets: config errors name fields only, and transport
// errors are summarised rather than echoed.
func classify(err error, target string) failure {
	switch {
	case errors.Is(err, apperrors.ErrRequestCanceled):
		return failure{StatusClientClosedRequest, "client_closed_request", "request canceled by client"}
	case errors.Is(err, apperrors.ErrMissingTargetHeader):
		return failure{http.StatusBadRequest, "missing_target", "TOKEN-RELAY-TARGET header is required"}
	case errors.Is(err, apperrors.ErrTargetNotFound):
		return failure{http.StatusBadRequest, "target_not_found", fmt.Sprintf("target %q is not configured or is disabled", target)}
	case errors.Is(err, apperrors.ErrInvalidConfig), errors.Is(err, apperrors.ErrUnknownPlaceholder):
		return failure{http.StatusBadRequest, "invalid_configuration", err.Error()}
	case errors.Is(err, apperrors.ErrBodyTooLarge):
		return failure{http.StatusRequestEntityTooLarge, "request_too_large", err.Error()}
	case errors.Is(err, errBadRequestBody):
		return failure{http.StatusBadRequest, "invalid_request", "request body could not be read"}
	case apperrors.IsCredential(err):
		return failure{http.StatusBadGateway, "credential_acquisition_failed", fmt.Sprintf("could not obtain credentials for target %q", target)}
	case errors.Is(err, apperrors.ErrChainNotConfigured):
		return failure{http.StatusBadGateway, "chain_not_configured", "relay is in chain mode but no downstream hop is configured"}
	case errors.Is(err, apperrors.ErrUpstreamTimeout):
		return failure{http.StatusGatewayTimeout, "upstream_timeout", fmt.Sprintf("target %q did not respond in time", target)}
	case errors.Is(err, apperrors.ErrUpstreamUnreachable):
		return failure{http.StatusBadGateway, "upstream_unreachable", fmt.Sprintf("target %q could not be reached", target)}
	default:
		return failure{http.StatusInternalServerError, "internal_error", "internal error"}
	}
}

// fail logs err and writes the mapped JSON error response. A request
// whose context is already done is reported as canceled whatever the
// underlying error.
func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, target string, err error) {
	if ctxErr := r.Context().Err(); ctxErr != nil && !errors.Is(err, apperrors.ErrRequestCanceled) {
		err = fmt.Errorf("%w: %w", apperrors.ErrRequestCanceled, err)
	}

	fl := classify(err, target)

	level := slog.LevelWarn
	if fl.status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	f.logger.Log(r.Context(), level, "proxy request failed",
		slog.String("target", target),
		slog.String("method", r.Method),
		slog.Int("status", fl.status),
		slog.String("code", fl.code),
		slog.String("error", err.Error()),
	)

	respond.Error(w, fl.status, fl.code, fl.description)
}
