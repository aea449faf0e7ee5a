package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims CGR expects on every authenticated request: a
// subject (the actor id recorded against every guardrail decision and
// temporal event) and the tenant the actor is bound to.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// JWTValidator validates bearer tokens signed with a shared HMAC secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a validator against secret. An empty secret
// returns nil, and NewAuthMiddleware treats a nil validator as
// "authentication not configured" and fails closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates tokenStr, returning its claims.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("api: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("api: invalid token")
	}
	return claims, nil
}

// Principal is the authenticated identity attached to a request's context.
type Principal struct {
	ActorID  string
	TenantID string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// NewAuthMiddleware builds bearer-token auth middleware. Requests to
// publicPaths pass through unauthenticated; every other request must carry
// a valid "Authorization: Bearer <token>" header. A nil validator fails
// every non-public request closed rather than silently skipping auth.
func NewAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "expected 'Bearer <token>' Authorization header")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "invalid or expired token")
				return
			}
			if claims.Subject == "" || claims.TenantID == "" {
				WriteUnauthorized(w, "token missing subject or tenant binding")
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{ActorID: claims.Subject, TenantID: claims.TenantID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
