package httputil

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/auth"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/permissions"
)

type contextKey string

// RequestIDKey holds the request's correlation id in its context.
const RequestIDKey contextKey = "request_id"

// RequestIDHeader is read from callers and echoed on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID or assigns a new one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

// GetRequestID returns the request id stored by RequestID
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Logger logs one line per request. Server errors log at error level and
// client errors at warn.
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			event := log.Info()
			switch {
			case rec.status >= 500:
				event = log.Error()
			case rec.status >= 400:
				event = log.Warn()
			}
			if a := actor.FromContext(r.Context()); a != nil {
				event = event.Str("user_id", a.ID)
			}
			event.
				Str("request_id", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// Recoverer turns a panic into a 500 response
func Recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rv := recover(); rv != nil {
					log.Error().
						Interface("panic", rv).
						Str("request_id", GetRequestID(r.Context())).
						Str("path", r.URL.Path).
						Msg("panic recovered")
					Error(w, r, errors.Internal("panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Authenticate verifies the bearer token and stores the caller as the
// request's actor.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				Error(w, r, errors.Unauthorized("missing bearer token"))
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				Error(w, r, err)
				return
			}

			ctx := actor.WithActor(r.Context(), &actor.Actor{
				ID:          claims.UserID,
				Name:        claims.Name,
				Email:       claims.Email,
				Role:        claims.Role,
				Permissions: permissions.Effective(claims.Role, claims.Permissions),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects callers whose actor holds none of perms.
func RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return guard(func(held []string) bool { return permissions.HasAnyPermission(held, perms) }, perms)
}

// RequireAllPermissions rejects callers missing any of perms.
func RequireAllPermissions(perms ...string) func(http.Handler) http.Handler {
	return guard(func(held []string) bool { return permissions.HasAllPermissions(held, perms) }, perms)
}

func guard(allowed func(held []string) bool, perms []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actor.FromContext(r.Context())
			if a == nil {
				Error(w, r, errors.Unauthorized("authentication required"))
				return
			}
			if !allowed(a.Permissions) {
				Error(w, r, errors.Forbidden("missing permission "+strings.Join(perms, ", ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
