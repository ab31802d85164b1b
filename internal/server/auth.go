package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig holds the single shared secret spec §4.5 checks authenticated
// endpoints against, plus the optional JWT alternative SPEC_FULL.md §0 adds
// for the registration webhook.
type AuthConfig struct {
	APIKey        string
	RequireJWTWebhook bool
}

type principalKey struct{}

// webhookPath is the one endpoint spec §4.5 explicitly leaves unauthenticated
// ("No bearer auth (intended for trusted network ingress; see §9)"). It gets
// its own, weaker check below rather than the standard bearer gate.
const webhookPath = "/v1/opscore/internal/agent/notify"

// newBearerMiddleware gates every request whose path is not in the
// unauthenticated allowlist or the registration webhook behind a
// constant-time bearer-token compare (spec §4.5, §8 invariant 5). It runs
// just inside the request logger and ahead of every huma handler, so the
// handlers never have to think about auth again.
func newBearerMiddleware(cfg AuthConfig, unauthenticated map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unauthenticated[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == webhookPath {
				if !webhookAuthorized(r, cfg) {
					writeDetailError(w, http.StatusUnauthorized, "missing or invalid bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" || !constantTimeEqual(token, cfg.APIKey) {
				writeDetailError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// webhookAuthorized implements spec §9's open question for webhook auth:
// when OPSCORE_WEBHOOK_JWT is unset the webhook is open (the spec's default,
// "intended for trusted network ingress"); when set, it accepts either the
// shared API key or an HS256 JWT signed with that same secret.
func webhookAuthorized(r *http.Request, cfg AuthConfig) bool {
	if !cfg.RequireJWTWebhook {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return constantTimeEqual(token, cfg.APIKey) || validWebhookJWT(token, cfg.APIKey)
}

func validWebhookJWT(token, secret string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeDetailError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"detail":"` + jsonEscape(detail) + `"}`))
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
