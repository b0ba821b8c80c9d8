package session

import (
	"github.com/labstack/echo/v4"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/pkg/notice"
)

// StateKey holds the resolved State on the echo context.
const StateKey = "session_state"

// Middleware resolves the authenticated caller's profile and puts it, and
// its role, on the request context. Requests without an identity pass
// through untouched. A caller without a profile gets no role, so every
// role-gated route refuses them.
func (r *Resolver) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ident := auth.IdentityFromContext(ctx)
			if ident == nil {
				return next(c)
			}

			st := r.Resolve(ctx, ident)
			if st.Profile != nil {
				ctx = identity.WithProfile(ctx, st.Profile)
				ctx = auth.WithRoles(ctx, string(st.Profile.Role))
				c.Set(notice.RoleHomeKey, st.Profile.Role.Home())
				c.SetRequest(c.Request().WithContext(ctx))
			}
			c.Set(StateKey, st)
			return next(c)
		}
	}
}

// FromEcho returns the state stored by Middleware.
func FromEcho(c echo.Context) (State, bool) {
	st, ok := c.Get(StateKey).(State)
	return st, ok
}
