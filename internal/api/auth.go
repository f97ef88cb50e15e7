package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/escrowd/internal/service"
)

type actorKey struct{}

// Claims are the bearer token claims the API accepts. Subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens issued by the platform's
// identity service.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for userID. Used by tooling and tests; the identity
// service issues production tokens.
func (a *Authenticator) Issue(userID string, role service.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (service.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return service.Actor{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return service.Actor{}, errors.New("token has no subject")
	}
	role := service.Role(claims.Role)
	switch role {
	case service.RoleClient, service.RoleFreelancer, service.RoleAdmin:
	default:
		// system is never granted to external callers
		return service.Actor{}, fmt.Errorf("unsupported role %q", claims.Role)
	}
	return service.Actor{UserID: claims.Subject, Role: role}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondWithError(w, http.StatusUnauthorized, "unauthorized", "Bearer token required", false)
			return
		}
		actor, err := a.Parse(raw)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", false)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) service.Actor {
	a, _ := ctx.Value(actorKey{}).(service.Actor)
	return a
}
