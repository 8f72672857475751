package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/sqlapi/sqlapi/internal/observability"
)

type identityCtxKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(Identity)
	return identity, ok
}

// credentialSource names one place a caller may put its API key.
type credentialSource struct {
	name    string
	extract func(*http.Request) string
}

// Sources are tried in order; the first non-empty value is used.
var credentialSources = []credentialSource{
	{name: "header", extract: func(r *http.Request) string { return r.Header.Get("X-API-Key") }},
	{name: "bearer", extract: bearerToken},
	{name: "query", extract: func(r *http.Request) string { return r.URL.Query().Get("api_key") }},
	{name: "form", extract: formValue},
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return token
}

func formValue(r *http.Request) string {
	if r.Method != http.MethodPost {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	if mediaType != "application/x-www-form-urlencoded" && mediaType != "multipart/form-data" {
		return ""
	}
	return r.PostFormValue("api_key")
}

func credential(r *http.Request) (key, source string) {
	for _, candidate := range credentialSources {
		if key := strings.TrimSpace(candidate.extract(r)); key != "" {
			return key, candidate.name
		}
	}
	return "", ""
}

// Middleware rejects requests without a valid API key and stores the
// resolved identity on the request context.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, source := credential(r)
			if key == "" {
				rejectRequest(w, r, "missing API key")
				return
			}
			identity, ok := validator.Validate(r.Context(), key)
			if !ok {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "api key rejected",
					slog.String("credential_source", source),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				rejectRequest(w, r, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func rejectRequest(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sqlapi"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
