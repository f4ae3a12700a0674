package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	fcmiddleware "github.com/flockctl/flockctl/internal/api_server/middleware"
	"github.com/flockctl/flockctl/internal/auth"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/instrumentation"
	"github.com/flockctl/flockctl/internal/service"
	"github.com/flockctl/flockctl/internal/store"
	"github.com/flockctl/flockctl/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// readinessTimeout bounds how long /readyz waits on the store.
const readinessTimeout = 2 * time.Second

type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	handler  service.Service
	auth     *auth.Validator
	listener net.Listener
	metrics  *instrumentation.ApiMetrics
}

// New returns a new instance of a flockctl API server.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	handler service.Service,
	validator *auth.Validator,
	listener net.Listener,
	metrics *instrumentation.ApiMetrics,
) *Server {
	return &Server{
		log:      log,
		cfg:      cfg,
		store:    st,
		handler:  handler,
		auth:     validator,
		listener: listener,
		metrics:  metrics,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Println("Initializing API server")

	s.auth.Start()

	router := chi.NewRouter()

	// request size limits should come before logging to prevent oversized
	// requests from filling logs
	middlewares := []func(http.Handler) http.Handler{
		middleware.RequestSize(s.cfg.Service.HTTPMaxRequestSize),
		fcmiddleware.RequestSizeLimiter(s.cfg.Service.HTTPMaxURLLength, s.cfg.Service.HTTPMaxNumHeaders),
		fcmiddleware.SecurityHeaders,
		fcmiddleware.RequestID,
	}
	if s.metrics != nil {
		middlewares = append(middlewares, s.metrics.ServerMiddleware)
	}
	middlewares = append(middlewares,
		fcmiddleware.RequestLogger(s.log),
		middleware.Recoverer,
	)
	router.Use(middlewares...)

	apiHandler := transport.NewHandler(s.handler, s.log)

	router.Route("/api/"+s.cfg.Service.ApiVersion, func(r chi.Router) {
		if rl := s.cfg.Service.RateLimit; rl != nil && rl.Requests > 0 {
			fcmiddleware.InstallIPRateLimiter(r, fcmiddleware.RateLimitOptions{
				Requests:       rl.Requests,
				Window:         config.ParseDuration(rl.Window, time.Minute),
				Message:        "Rate limit exceeded, please try again later",
				TrustedProxies: rl.TrustedProxies,
			})
		}
		apiHandler.RegisterRoutes(r, transport.RouterConfig{
			Auth:           s.auth,
			WebhookLimiter: s.webhookLimiter(),
		})
	})

	// health endpoints bypass auth and rate limiting, but keep the global
	// safety middlewares
	router.Group(func(r chi.Router) {
		r.Method(http.MethodGet, "/readyz", ReadyzHandler(readinessTimeout, s.store))
		r.Method(http.MethodGet, "/healthz", HealthzHandler())
	})

	srv := fcmiddleware.NewHTTPServer(router, s.log, s.cfg.Service.Address, s.cfg)

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		grace := config.ParseDuration(s.cfg.Service.ShutdownGracePeriod, 20*time.Second)
		ctxTimeout, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		s.auth.Stop()
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// webhookLimiter builds the stricter limiter for the registry webhook, or
// nil when webhook rate limiting is not configured.
func (s *Server) webhookLimiter() func(http.Handler) http.Handler {
	rl := s.cfg.Service.RateLimit
	if rl == nil || rl.WebhookRequests <= 0 {
		return nil
	}
	window := config.ParseDuration(rl.WebhookWindow, time.Minute)
	return fcmiddleware.IPRateLimiter(rl.WebhookRequests, window, "Webhook rate limit exceeded, please try again later")
}
