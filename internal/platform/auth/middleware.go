package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	IdentityKey  contextKey = "identity"
)

// Claims is the body of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the access_token query parameter for websocket upgrades.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errors.New("invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", errors.New("missing authorization header")
}

// Middleware authenticates every request not matched by skipper and stores
// the caller's Identity on the request context.
func (p *Provider) Middleware(skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			tokenStr, err := TokenFromRequest(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			ident, err := p.Verify(c.Request().Context(), tokenStr)
			if err != nil {
				if errors.Is(err, ErrRevokedToken) {
					return echo.NewHTTPError(http.StatusUnauthorized, "session has ended")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithIdentity(c.Request().Context(), ident)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(UserIDKey), ident.ID)
			return next(c)
		}
	}
}

// WithIdentity stores the authenticated identity and its id on ctx.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	ctx = context.WithValue(ctx, IdentityKey, ident)
	return context.WithValue(ctx, UserIDKey, ident.ID)
}

func IdentityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(IdentityKey).(*Identity)
	return ident
}

// WithRoles stores the caller's roles. The profile resolver sets these once
// the stored profile is known.
func WithRoles(ctx context.Context, roles ...string) context.Context {
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
