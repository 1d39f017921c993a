// Package web serves authd's browser-facing HTTP endpoints: the OAuth
// redirect target and a health probe.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// CallbackPath is where providers send the browser back to.
const CallbackPath = "/oauth/callback"

// OAuthCallback completes a provider sign-in flow.
type OAuthCallback interface {
	Callback(ctx context.Context, state, code, providerErr string) error
}

const page = `<!doctype html>
<html><head><meta charset="utf-8"><title>authsync</title></head>
<body><h1>%s</h1><p>%s</p></body></html>`

// New builds the echo instance with routes and middleware.
func New(oauth OAuthCallback, logger logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug(c.Request().Context(), "http request",
				"method", v.Method, "path", v.URIPath, "status", v.Status,
				"latency", v.Latency, "request_id", v.RequestID)
			return nil
		},
	}))

	h := &handler{oauth: oauth, logger: logger}
	e.GET("/healthz", h.health)
	e.GET(CallbackPath, h.callback)
	return e
}

// NewServer wraps the echo instance in an http.Server listening on addr.
func NewServer(addr string, oauth OAuthCallback, logger logging.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           New(oauth, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type handler struct {
	oauth  OAuthCallback
	logger logging.Logger
}

func (h *handler) health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (h *handler) callback(c echo.Context) error {
	ctx := c.Request().Context()
	err := h.oauth.Callback(ctx, c.QueryParam("state"), c.QueryParam("code"), c.QueryParam("error"))
	if err == nil {
		return c.HTML(http.StatusOK, fmt.Sprintf(page, "Signed in", "You can close this window and return to the terminal."))
	}

	h.logger.Warn(ctx, "oauth callback rejected", "error", err)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return c.HTML(http.StatusNotFound, fmt.Sprintf(page, "Sign-in link not recognised", "It was already used or never started here."))
	case errors.Is(err, common.ErrFlowExpired):
		return c.HTML(http.StatusGone, fmt.Sprintf(page, "Sign-in link expired", "Start the sign-in again from the terminal."))
	case errors.Is(err, common.ErrorUnauthorized):
		return c.HTML(http.StatusUnauthorized, fmt.Sprintf(page, "Sign-in was not completed", "The provider did not confirm your identity."))
	case errors.Is(err, common.ErrorValidation):
		return c.HTML(http.StatusBadRequest, fmt.Sprintf(page, "Malformed callback", "The provider response was incomplete."))
	default:
		return c.HTML(http.StatusInternalServerError, fmt.Sprintf(page, "Sign-in failed", "Please try again."))
	}
}
