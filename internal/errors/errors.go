// Package errors defines the JSON error envelope returned by the HTTP API
// and maps domain errors onto it.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/source"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia   = "UNSUPPORTED_MEDIA_TYPE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Envelope is the body of an error response.
type Envelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps an Envelope under the "error" key.
type HTTPErrorResponse struct {
	Error Envelope `json:"error"`
}

// NewEnvelope creates an envelope with code and message.
func NewEnvelope(code, message string) *Envelope {
	return &Envelope{Code: code, Message: message}
}

// WithRequestID sets the request correlation id.
func (e *Envelope) WithRequestID(id string) *Envelope {
	e.RequestID = id
	return e
}

// WithDetails merges details into the envelope.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// HTTPError carries an explicit status and code through handler returns.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates an HTTPError.
func NewHTTPError(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Err: err}
}

// BadRequest is a 400 with a validation message.
func BadRequest(message string, err error) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, CodeBadRequest, message, err)
}

// Classify maps err to a status, code and client-safe message.
func Classify(err error) (int, string, string) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		msg := httpErr.Message
		if httpErr.Err != nil && httpErr.Status < http.StatusInternalServerError {
			msg = httpErr.Error()
		}
		return httpErr.Status, httpErr.Code, msg
	}

	switch {
	case errors.Is(err, jobregistry.ErrJobNotFound), errors.Is(err, source.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, err.Error()
	case errors.Is(err, jobregistry.ErrJobActive),
		errors.Is(err, jobregistry.ErrNotRunning),
		errors.Is(err, jobregistry.ErrDuplicateJob):
		return http.StatusConflict, CodeConflict, err.Error()
	case errors.Is(err, jobregistry.ErrInvalidConfig),
		errors.Is(err, balance.ErrUnknownMode),
		errors.Is(err, source.ErrInvalidRef):
		return http.StatusBadRequest, CodeValidation, err.Error()
	case errors.Is(err, jobregistry.ErrShutdown):
		return http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error()
	case errors.Is(err, source.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED", err.Error()
	}
	return http.StatusInternalServerError, CodeInternal, "internal server error"
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := Classify(err)
	env := NewEnvelope(code, msg).WithRequestID(RequestID(r))

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		env.WithDetails(httpErr.Details)
	}
	WriteJSON(w, env, status)
}

// WriteJSON writes env with status.
func WriteJSON(w http.ResponseWriter, env *Envelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *env})
}

// RequestID returns the request correlation id, if any.
func RequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(chimw.RequestIDHeader)
}
