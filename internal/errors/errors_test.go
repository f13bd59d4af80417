package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/source"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "job not found", err: jobregistry.ErrJobNotFound, wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "wrapped source not found", err: fmt.Errorf("open: %w", source.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "job active", err: jobregistry.ErrJobActive, wantStatus: http.StatusConflict, wantCode: CodeConflict},
		{name: "not running", err: jobregistry.ErrNotRunning, wantStatus: http.StatusConflict, wantCode: CodeConflict},
		{name: "unknown mode", err: fmt.Errorf("%w: %w", jobregistry.ErrInvalidConfig, balance.ErrUnknownMode), wantStatus: http.StatusBadRequest, wantCode: CodeValidation},
		{name: "shutdown", err: jobregistry.ErrShutdown, wantStatus: http.StatusServiceUnavailable, wantCode: CodeServiceUnavailable},
		{name: "explicit http error", err: NewHTTPError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "too big", nil), wantStatus: http.StatusRequestEntityTooLarge, wantCode: CodePayloadTooLarge},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _ := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestClassify_HidesInternalDetail(t *testing.T) {
	_, _, msg := Classify(errors.New("dial tcp 10.0.0.3: connection refused"))
	assert.Equal(t, "internal server error", msg)
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()

	httpErr := BadRequest("invalid delay", errors.New("must be >= 0"))
	httpErr.Details = map[string]any{"field": "delay"}
	RespondWithError(rec, req, httpErr)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeBadRequest, body.Error.Code)
	assert.Equal(t, "invalid delay: must be >= 0", body.Error.Message)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Equal(t, "delay", body.Error.Details["field"])
}
