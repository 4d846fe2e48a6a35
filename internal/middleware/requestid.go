package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestIDKey is the echo context key holding the request ID.
const RequestIDKey = "request_id"

// RequestID assigns every request an ID for the access log. The inbound
// X-Request-Id is reused when present. Unlike echo's default, the ID is not
// echoed in the response, so relayed responses carry only upstream headers.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, rid string) {
			c.Set(RequestIDKey, rid)
			c.Response().Header().Del(echo.HeaderXRequestID)
		},
	})
}

// requestIDFrom returns the ID stored by RequestID, or "" if it did not run.
func requestIDFrom(c echo.Context) string {
	rid, _ := c.Get(RequestIDKey).(string)
	return rid
}
