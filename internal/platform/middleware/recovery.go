package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recovery turns a handler panic into a 500 and marks the active span as
// failed. Install it inside the tracing middleware so the span is still open.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				cause := fmt.Errorf("panic: %v", r)

				span := trace.SpanFromContext(c.Request().Context())
				span.RecordError(cause)
				span.SetStatus(codes.Error, "panic")

				logger.Error().
					Str("request_id", requestID(c)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Err(cause).
					Bytes("stack", stack[:n]).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(cause)
			}()
			return next(c)
		}
	}
}
