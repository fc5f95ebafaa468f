package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

type actorKey struct{}

var knownRoles = []domain.Role{
	domain.RoleBroker,
	domain.RoleOperator,
	domain.RoleFinance,
	domain.RoleCompliance,
	domain.RoleAdmin,
}

// Claims is the bearer token payload. Subject is the actor id.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator turns a bearer token into the request's domain.Actor.
type Authenticator struct {
	secret []byte
	issuer string
	logger *slog.Logger
}

func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, logger: logger}
}

func (a *Authenticator) parse(raw string) (domain.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, err
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("token has no subject")
	}
	if !slices.Contains(knownRoles, claims.Role) {
		return domain.Actor{}, errors.New("token carries an unknown role")
	}
	return domain.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			respondWithJSON(w, http.StatusUnauthorized, &APIError{Code: "UNAUTHENTICATED", Message: "bearer token required"})
			return
		}
		actor, err := a.parse(raw)
		if err != nil {
			a.logger.Debug("rejected bearer token", "error", err)
			respondWithJSON(w, http.StatusUnauthorized, &APIError{Code: "UNAUTHENTICATED", Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// IssueToken signs a token for actor. Used by tooling and tests.
func (a *Authenticator) IssueToken(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// requireRole returns a Forbidden error unless actor has one of roles.
func requireRole(actor domain.Actor, roles ...domain.Role) error {
	if actor.IsAdmin() || slices.Contains(roles, actor.Role) {
		return nil
	}
	return domain.NewForbiddenError("role " + string(actor.Role) + " may not perform this operation")
}
