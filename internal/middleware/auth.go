package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/avorobev/authcore/internal/models"
	"github.com/avorobev/authcore/internal/service"
)

const (
	CtxUser   = "user"
	CtxUserID = "user_id"
)

type BearerAuth struct {
	Svc *service.AuthService
}

func NewBearerAuth(svc *service.AuthService) *BearerAuth {
	return &BearerAuth{Svc: svc}
}

// RequireAuth verifies the Authorization bearer token and resolves it to an
// active user. Every failure is a generic 401; the cause is only logged.
func (m *BearerAuth) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenStr := BearerToken(c.Request())
		if tokenStr == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		}

		user, err := m.Svc.VerifyAccess(c.Request().Context(), tokenStr)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}

		c.Set(CtxUser, user)
		c.Set(CtxUserID, user.ID)

		return next(c)
	}
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func UserFromContext(c echo.Context) (*models.User, bool) {
	user, ok := c.Get(CtxUser).(*models.User)
	return user, ok
}
