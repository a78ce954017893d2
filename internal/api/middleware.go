package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/lifecycle"
	"github.com/ferro-labs/model-proxy/internal/metrics"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
	"github.com/ferro-labs/model-proxy/internal/ratelimit"
)

type contextKey string

const credentialsContextKey contextKey = "credentials"

// CredentialsFromContext returns the caller credentials stored by
// CredentialsMiddleware. A request without a bearer token carries empty
// credentials, which the proxy accepts only in root mode.
func CredentialsFromContext(ctx context.Context) accounts.Credentials {
	creds, _ := ctx.Value(credentialsContextKey).(accounts.Credentials)
	return creds
}

// CredentialsMiddleware reads the bearer token into the request context.
// Validation is left to the service so each operation can apply its own
// rules.
func CredentialsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds accounts.Credentials
		if auth := r.Header.Get("Authorization"); auth != "" {
			key, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid authorization header", "authentication_error", "invalid_authorization")
				return
			}
			creds.APIKey = strings.TrimSpace(key)
		}
		ctx := context.WithValue(r.Context(), credentialsContextKey, creds)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountResolver maps an API key to the ID of the account it
// authenticates. ok is false for unknown keys.
type AccountResolver func(apiKey string) (accountID string, ok bool)

// RateLimit throttles callers by account. Requests without a key, or with
// one that does not authenticate, share the bucket of their client host.
// It must run after CredentialsMiddleware.
func RateLimit(store *ratelimit.Store, resolve AccountResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := store.Get(rateLimitKey(resolve, CredentialsFromContext(r.Context()).APIKey, r.RemoteAddr))
			if !l.Allow() {
				metrics.RateLimited.Inc()
				secs := int(math.Ceil(l.RetryAfter().Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error", "rate_limit_exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(resolve AccountResolver, apiKey, remoteAddr string) string {
	if apiKey != "" && resolve != nil {
		if id, ok := resolve(apiKey); ok {
			return "acct:" + id
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "addr:" + host
}

// Draining rejects new work once the lifecycle has left Running.
func Draining(lc *lifecycle.Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if st := lc.State(); st != lifecycle.Running {
				w.Header().Set("Retry-After", "3")
				writeError(w, http.StatusServiceUnavailable, "server is "+st.String(), "unavailable_error", "shutting_down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS sets CORS headers. No origins allows any origin.
func CORS(allowedOrigins ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, value := range allowedOrigins {
		if origin := strings.TrimSpace(value); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	allowAny := len(allowed) == 0

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAny {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes the JSON error envelope:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "quota_exceeded_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// statusOf maps service errors to HTTP statuses and error codes.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, proxyerr.ErrAuth):
		return http.StatusUnauthorized, "invalid_api_key"
	case errors.Is(err, proxyerr.ErrPermission):
		return http.StatusForbidden, "insufficient_permissions"
	case errors.Is(err, proxyerr.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, accounts.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, proxyerr.ErrConfiguration):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, proxyerr.ErrRetryExhausted):
		return http.StatusServiceUnavailable, "retry_exhausted"
	case errors.Is(err, proxyerr.ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	writeError(w, status, err.Error(), "", code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
