package api

import (
	"bufio"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/logging"
	"github.com/copperline/jitbroker/internal/metrics"
)

// APIError is the JSON error envelope every failed request returns.
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// ErrorHandler tags every request with an ID, recovers panics, records
// metrics, and logs failed requests.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}

		// Honor an incoming request ID so traces line up across the
		// fronting proxy.
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		routeLabel := normalizeRoute(r.URL.Path)
		method := r.Method

		defer func() {
			elapsed := time.Since(start)
			metrics.RecordAPIRequest(method, routeLabel, rw.StatusCode(), elapsed)
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred", nil)
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps a broker error onto the API envelope. Internal and
// transient causes are not leaked to the client.
func writeError(w http.ResponseWriter, err error) {
	statusCode := errors.HTTPStatus(err)

	code := "internal_error"
	message := "An unexpected error occurred"
	var brokerErr *errors.BrokerError
	if goerrors.As(err, &brokerErr) {
		code = string(brokerErr.Type)
		switch brokerErr.Type {
		case errors.ErrorTypeInternal:
			log.Error().Err(err).Msg("Internal error surfaced to API")
		case errors.ErrorTypeTransient:
			log.Error().Err(err).Msg("Backend error surfaced to API")
			message = "A backend call failed, retry later"
		case errors.ErrorTypeTokenVerification:
			// The concrete verification failure stays in the logs.
			message = "Token verification failed"
		default:
			message = err.Error()
		}
	} else if statusCode < 500 {
		message = err.Error()
	} else {
		log.Error().Err(err).Msg("Unclassified error surfaced to API")
	}

	writeErrorResponse(w, statusCode, code, message, nil)
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		Details:      details,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Hijack implements http.Hijacker interface
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

// Flush implements http.Flusher when the underlying writer supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// normalizeRoute collapses path variables so metric labels stay
// low-cardinality: project segments and tokens become placeholders.
func normalizeRoute(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}

	segments := strings.Split(path, "/")
	normSegments := make([]string, 0, len(segments))
	prev := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if len(normSegments) >= 5 {
			break
		}
		normSegments = append(normSegments, normalizeSegment(prev, seg))
		prev = seg
	}

	if len(normSegments) == 0 {
		return "/"
	}
	return "/" + strings.Join(normSegments, "/")
}

func normalizeSegment(prev, seg string) string {
	if prev == "scopes" {
		return ":project"
	}
	if len(seg) > 32 {
		return ":token"
	}
	return seg
}
