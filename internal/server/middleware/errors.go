package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/keyscan/internal/errors"
	"github.com/3leaps/keyscan/internal/observability"
)

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into a 500 JSON error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			var msg string
			if err, ok := rec.(error); ok {
				msg = fmt.Sprintf("panic: %v", err)
			} else {
				msg = fmt.Sprintf("panic: %v", rec)
			}

			observability.ServerLogger().Error("Recovered from handler panic",
				zap.String("request_id", apperrors.RequestID(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("panic", msg),
				zap.ByteString("stack", debug.Stack()))

			env := apperrors.NewEnvelope(apperrors.CodeInternal, msg).
				WithRequestID(apperrors.RequestID(r))
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *apperrors.Envelope, status int) {
	apperrors.WriteJSON(w, env, status)
}
