package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request once the handler returns.
// Handler errors are logged here and still propagate to echo's error handler.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req, res := c.Request(), c.Response()
			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				evt = evt.Str("requestId", rid)
			}
			evt.Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Str("remoteIp", c.RealIP()).
				Dur("elapsed", time.Since(start)).
				Msg("request handled")

			return err
		}
	}
}
