package fault

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/intellisoft/digitalhealth/internal/platform/result"
)

// Observer is notified of every error the handler renders, keyed by kind
// ("validation", "not_found", "conflict", "http", "unexpected").
type Observer interface {
	ObserveFault(kind string)
}

// HTTPErrorHandler renders domain faults as 400 envelopes, echo HTTP errors
// with their own status, and everything else as an opaque 500.
func HTTPErrorHandler(logger zerolog.Logger, obs Observer) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body, kind := render(err)

		rid, _ := c.Get("request_id").(string)
		if kind == "unexpected" {
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unexpected error")
		} else {
			logger.Debug().Err(err).
				Str("request_id", rid).
				Str("kind", kind).
				Msg("request rejected")
		}
		if obs != nil {
			obs.ObserveFault(kind)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("write error response")
		}
	}
}

func render(err error) (int, result.Failure, string) {
	if f, ok := As(err); ok {
		return http.StatusBadRequest, result.Failure{
			Status:  http.StatusBadRequest,
			Message: f.Message,
			Field:   f.Field,
		}, string(f.Kind)
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		switch m := he.Message.(type) {
		case string:
			msg = m
		case error:
			msg = m.Error()
		case nil:
		default:
			msg = fmt.Sprintf("%v", m)
		}
		kind := "http"
		if he.Code >= http.StatusInternalServerError {
			kind = "unexpected"
		}
		return he.Code, result.Failure{Status: he.Code, Message: msg}, kind
	}

	return http.StatusInternalServerError, result.Failure{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
	}, "unexpected"
}
