package auth

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MiddlewareConfig controls the bearer-token middleware.
type MiddlewareConfig struct {
	// JWTSecret is the HMAC key used to verify HS256 tokens.
	JWTSecret string

	// AllowDebugActor permits identifying via X-Debug-Actor / X-Debug-Role
	// headers when no token is presented. Dev-only; Load() refuses it in
	// production.
	AllowDebugActor bool
}

// NewMiddleware returns middleware that extracts the actor from a Bearer
// token (`sub` and `role` claims) and places it in the request context.
// Requests without a valid identity are rejected with 401.
func NewMiddleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := actorFromRequest(r, cfg)
			if err != nil {
				log.Printf("[auth] rejected: %v", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func actorFromRequest(r *http.Request, cfg MiddlewareConfig) (Actor, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return actorFromToken(strings.TrimSpace(authz[7:]), cfg.JWTSecret)
	}
	if cfg.AllowDebugActor {
		if id := r.Header.Get("X-Debug-Actor"); id != "" {
			role := r.Header.Get("X-Debug-Role")
			if role == "" {
				role = RoleUser
			}
			return Actor{ID: id, Role: role}, nil
		}
	}
	return Actor{}, fmt.Errorf("no credentials presented")
}

func actorFromToken(tokenStr, secret string) (Actor, error) {
	if secret == "" {
		return Actor{}, fmt.Errorf("jwt secret not configured")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("token parse: %w", err)
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Actor{}, fmt.Errorf("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Actor{}, fmt.Errorf("missing sub claim")
	}
	role, _ := claims["role"].(string)
	if roleLevel(role) == 0 {
		return Actor{}, fmt.Errorf("missing or unknown role claim")
	}
	return Actor{ID: sub, Role: role}, nil
}
