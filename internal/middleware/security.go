package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are set on every response. Relay bodies are JSON only and
// must never be cached by intermediaries, since they mirror third-party data.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses. Headers are set before the handler runs so they survive
// handlers that write the body directly.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range securityHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
