package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/king"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key holding the authenticated user id
	UserIDKey ContextKey = "user_id"
)

// internalServiceToken marks trusted service-to-service calls. The
// deployment's gateway strips this header from external traffic.
const internalServiceHeader = "X-Internal-Service"

// RequireUser extracts the X-User-ID header and rejects requests
// without one. Every kernel operation is scoped to a user.
func RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := c.Request().Header.Get("X-User-ID")
			if userID == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-User-ID header is required",
				})
			}
			c.Set(string(UserIDKey), userID)
			return next(c)
		}
	}
}

// GetUserID retrieves the authenticated user id from the request context
func GetUserID(c echo.Context) string {
	userID := c.Get(string(UserIDKey))
	if userID == nil {
		return ""
	}
	return userID.(string)
}

// CallerFrom builds the supervisor caller identity for a request
func CallerFrom(c echo.Context) king.Caller {
	return king.Caller{
		UserID:     GetUserID(c),
		Privileged: c.Request().Header.Get(internalServiceHeader) != "",
	}
}
