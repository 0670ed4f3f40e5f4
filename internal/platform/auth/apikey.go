package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const DefaultAPIKeyHeader = "X-API-KEY"

// APIKeyMiddleware admits requests whose header carries the shared secret.
// The comparison runs over SHA-256 digests so its duration does not depend
// on where the keys differ or on their lengths.
func APIKeyMiddleware(header, secret string) echo.MiddlewareFunc {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	want := sha256.Sum256([]byte(secret))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}
			got := c.Request().Header.Get(header)
			digest := sha256.Sum256([]byte(got))
			if got == "" || subtle.ConstantTimeCompare(digest[:], want[:]) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or missing API key")
			}
			setPrincipal(c, "api-key", []string{RoleAdmin})
			return next(c)
		}
	}
}
