package api

import (
	"net/http"

	"github.com/yairfalse/overwatch/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Operation string `json:"operation,omitempty"`
	Retryable bool   `json:"retryable"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalid, apperr.KindInvalidRange:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyBound, apperr.KindNotBound, apperr.KindConflict, apperr.KindScanInProgress:
		return http.StatusConflict
	case apperr.KindVerificationFailed:
		return http.StatusUnprocessableEntity
	case apperr.KindPartialScan:
		return http.StatusMultiStatus
	case apperr.KindExternalRejected:
		return http.StatusBadGateway
	case apperr.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	return ErrorResponse{
		Error:     err.Error(),
		Kind:      string(apperr.KindOf(err)),
		Operation: apperr.OpOf(err),
		Retryable: apperr.IsRetryable(err),
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("kind", string(kind)).Msg("request failed")
	}
	if kind == apperr.KindExternalUnavailable || kind == apperr.KindScanInProgress {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorBody(err))
}
