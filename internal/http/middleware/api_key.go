package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxAPIKeyID = "api_key_id"

// APIKeyIDFromCtx returns the fingerprint of the admin key that authenticated the request.
func APIKeyIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxAPIKeyID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates admin requests against a static key list (X-API-Key header).
// With no keys configured every request is refused.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(allowed) == 0 {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "admin api disabled"})
			}
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			match := 0
			for _, k := range allowed {
				match |= subtle.ConstantTimeCompare(k, []byte(key))
			}
			if match != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxAPIKeyID, fingerprint(key))
			return next(c)
		}
	}
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
