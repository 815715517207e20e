package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID       string
	OrgID        string
	CredentialID string
	Scopes       []string
}

type contextKey string

const principalContextKey contextKey = "governs.principal"

// Middleware authenticates Authorization: Bearer tokens. Mode "off"
// passes an anonymous principal through, for local development only.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
					UserID: "anonymous",
					OrgID:  "anonymous",
					Scopes: []string{"decisions:read", "decisions:write", "approvals:read", "confirmations:write"},
				})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := VerifyHS256(token, secret, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), FromClaims(claims))))
		})
	}
}

func FromClaims(claims TokenClaims) Principal {
	return Principal{
		UserID:       claims.Sub,
		OrgID:        claims.Org,
		CredentialID: claims.CredentialID,
		Scopes:       claims.Scopes,
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// HasScope reports whether the principal carries the named scope.
func HasScope(p Principal, scope string) bool {
	for _, s := range p.Scopes {
		if strings.EqualFold(strings.TrimSpace(s), scope) {
			return true
		}
	}
	return false
}
