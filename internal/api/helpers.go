package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeErr writes err with the status chosen by classify.
func writeErr(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error(), "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return out, newInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		}
		return out, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return out, nil
}

// throttle rejects requests once limiter has no tokens left. A nil limiter
// admits everything.
func throttle(limiter *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if limiter != nil && !limiter.Allow() {
				retry := time.Second
				if l := limiter.Limit(); l > 0 && l != rate.Inf {
					retry = max(time.Duration(float64(time.Second)/float64(l)), time.Second)
				}
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(retry/time.Second)))
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "")
			}
			return next(c)
		}
	}
}
