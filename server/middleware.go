package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// IdempotencyKeyHeader carries the client-chosen key on mutating requests.
const IdempotencyKeyHeader = "Idempotency-Key"

type requestIDKey struct{}
type requestInfoKey struct{}
type sessionKey struct{}

// requestInfo is shared by pointer down the chain so outer middleware can
// read what inner stages learned about the caller.
type requestInfo struct {
	subject string
}

// RequestIDMiddleware echoes X-Request-ID, minting a UUID when the caller sent
// none, and seeds the per-request info later stages fill in.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, requestInfoKey{}, &requestInfo{})))
	})
}

// LoggingMiddleware writes one http_request line per request, tagged with the
// session subject once RequireSession has run.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok && info.subject != "" {
				attrs = append(attrs, "user_sub", info.subject)
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				attrs = append(attrs, "trace_id", sc.TraceID().String())
			}

			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware turns panics into a 500 with the standard error body.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "request_id", RequestIDFromContext(r.Context()))
					writeError(w, ErrInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets HSTS on TLS requests and marks every
// response uncacheable.
func SecurityHeadersMiddleware(maxAge int) func(http.Handler) http.Handler {
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", hsts)
			}
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession admits requests bearing a valid session token. A missing
// Authorization header is 401; a present but invalid token is 403.
func RequireSession(sessions *SessionTokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				writeError(w, ErrMissingToken)
				return
			}
			claims := sessions.Verify(extractSessionToken(header))
			if claims == nil {
				writeError(w, ErrInvalidToken)
				return
			}
			if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
				info.subject = claims.Subject
			}
			ctx := context.WithValue(r.Context(), sessionKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects sessions that were not granted scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Authorize(SessionFromContext(r.Context()), scope) {
				writeError(w, ErrInsufficientPermissions)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdempotencyKey admits each Idempotency-Key once. The key is consumed
// on admission whatever the handler's outcome.
func RequireIdempotencyKey(guard IdempotencyGuard, logger *slog.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				metrics.observeAdmission("missing")
				writeError(w, ErrIdempotencyKeyRequired)
				return
			}
			admission, err := guard.Admit(r.Context(), key)
			if err != nil {
				metrics.observeAdmission("error")
				logger.Error("idempotency admit failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
				writeError(w, ErrIdempotencyUnavailable.Wrap(err))
				return
			}
			metrics.observeAdmission(admission.String())
			if admission == Duplicate {
				writeError(w, ErrDuplicateRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDFromContext returns the ID set by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// SessionFromContext returns the verified session claims, or nil.
func SessionFromContext(ctx context.Context) *SessionTokenClaims {
	claims, _ := ctx.Value(sessionKey{}).(*SessionTokenClaims)
	return claims
}

// extractSessionToken accepts either a bare token or "Bearer <token>".
func extractSessionToken(header string) string {
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return header
}
