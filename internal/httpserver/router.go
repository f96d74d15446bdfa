package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/avorobev/authcore/internal/middleware"
	"github.com/avorobev/authcore/internal/service"
)

type Deps struct {
	Svc *service.AuthService
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	authHandler := &AuthHTTP{Svc: d.Svc}
	userHandler := &UserHTTP{Svc: d.Svc}
	authMw := middleware.NewBearerAuth(d.Svc)

	e.POST("/auth/register", authHandler.Register)
	e.POST("/auth/login", authHandler.Login)
	e.POST("/auth/refresh", authHandler.Refresh)

	private := e.Group("")
	private.Use(authMw.RequireAuth)

	private.POST("/auth/logout", authHandler.Logout)
	private.GET("/users/me", userHandler.Me)
	private.PUT("/users/me/password", userHandler.ChangePassword)
}
