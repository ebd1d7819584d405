package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/Mnabil10/fasket-sub001/internal/signature"
)

const maxSignedBody = 1 << 20

// SignatureMiddleware accepts only requests signed with the shared automation secret
// (x-fasket-timestamp + x-fasket-signature over "{ts}.{body}").
func SignatureMiddleware(secret string, tolerance time.Duration, now func() time.Time) echo.MiddlewareFunc {
	if now == nil {
		now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "automation secret not configured"})
			}
			req := c.Request()
			ts, err := signature.ParseTimestamp(req.Header.Get(signature.HeaderTimestamp))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing or invalid timestamp"})
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, maxSignedBody+1))
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			}
			if len(body) > maxSignedBody {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			}

			signed := signature.Signed{Signature: req.Header.Get(signature.HeaderSignature), Timestamp: ts}
			if !signature.Verify(secret, signed, body, tolerance, now()) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			}

			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}
