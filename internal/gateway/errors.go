package gateway

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Error kinds surfaced to clients. The type field distinguishes caller
// mistakes (invalid_request_error) from service degradation
// (service_error) so clients know whether retrying can help.
const (
	ErrInvalidDialect  = "invalid_dialect"
	ErrTranslation     = "translation_error"
	ErrNoProvider      = "no_provider_available"
	ErrCircuitOpen     = "circuit_open"
	ErrUpstreamTimeout = "upstream_timeout"
	ErrUpstreamConnect = "upstream_connect_error"
)

// errorStatus maps an error kind to its HTTP status.
func errorStatus(kind string) int {
	switch kind {
	case ErrInvalidDialect, ErrTranslation:
		return http.StatusBadRequest
	case ErrNoProvider, ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstreamConnect:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorClass distinguishes user errors from service degradation in the
// response body.
func errorClass(kind string) string {
	switch kind {
	case ErrInvalidDialect, ErrTranslation:
		return "invalid_request_error"
	default:
		return "service_error"
	}
}

// writeGatewayError writes the JSON error body for an error kind. A non-zero
// retryAfter adds a Retry-After hint rounded up to whole seconds.
func writeGatewayError(w http.ResponseWriter, kind, message string, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(errorStatus(kind))

	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errorClass(kind),
			"kind":    kind,
			"message": message,
		},
	}
	data, _ := json.Marshal(resp)
	_, _ = w.Write(data)
}
