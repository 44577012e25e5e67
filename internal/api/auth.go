package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cyberlabs/labd/pkg/auth"
)

// UserResolver extracts the caller identity from a request. Authentication
// is the platform gateway's job; the orchestrator only consumes the result.
type UserResolver interface {
	CurrentUser(c echo.Context) (auth.User, error)
}

// HeaderResolver trusts the identity headers set by the gateway.
type HeaderResolver struct{}

// CurrentUser reads X-User-Id and X-User-Role.
func (HeaderResolver) CurrentUser(c echo.Context) (auth.User, error) {
	id := c.Request().Header.Get("X-User-Id")
	if id == "" {
		return auth.User{}, echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	role := c.Request().Header.Get("X-User-Role")
	if role == "" {
		role = auth.RolePlayer
	}
	return auth.User{ID: id, Role: role}, nil
}
