package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request. Terminology operations get an
// "operation" field derived from the path so $expand latencies can be grepped
// apart from CRUD traffic.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if op := operationOf(req.URL.Path); op != "" {
				evt = evt.Str("operation", op)
			}
			evt.Msg("request")

			return err
		}
	}
}

// operationOf extracts the trailing $operation segment, if any.
func operationOf(path string) string {
	idx := strings.LastIndex(path, "/$")
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
