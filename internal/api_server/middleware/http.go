package middleware

import (
	"net/http"
	"time"

	"github.com/flockctl/flockctl/internal/config"
	"github.com/sirupsen/logrus"
)

// NewHTTPServer builds the http.Server with the timeouts and size limits
// from the service config.
func NewHTTPServer(router http.Handler, log logrus.FieldLogger, address string, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           router,
		ReadTimeout:       config.ParseDuration(cfg.Service.HTTPReadTimeout, 5*time.Minute),
		ReadHeaderTimeout: config.ParseDuration(cfg.Service.HTTPReadHeaderTimeout, 5*time.Minute),
		WriteTimeout:      config.ParseDuration(cfg.Service.HTTPWriteTimeout, 5*time.Minute),
		IdleTimeout:       config.ParseDuration(cfg.Service.HTTPIdleTimeout, 90*time.Second),
		MaxHeaderBytes:    cfg.Service.HTTPMaxHeaderBytes,
	}
}
