// Package admin exposes a controller bus over HTTP: health checks, metrics, the
// pending-request table, request forwarding and broadcast streaming.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/workerbus/internal/auth"
	"github.com/danmuck/workerbus/internal/controller"
	"github.com/danmuck/workerbus/internal/observability"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	version       = "0.1.0"
	eventBuffer   = 64
	shutdownGrace = 5 * time.Second
)

// Bus is the slice of the controller the admin surface drives.
type Bus interface {
	ID() string
	Request(ctx context.Context, action string, payload any, opts ...controller.RequestOption) (frame.Frame, error)
	Subscribe(action string, cb controller.Callback) *controller.Subscription
	Pending() []controller.PendingRequest
	Done() <-chan struct{}
}

type Options struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// Validator guards every route except the health checks. Nil disables auth.
	Validator auth.Validator
	// RequestTimeout bounds POST /actions. Zero waits for the worker.
	RequestTimeout time.Duration
}

type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	bus     Bus
	timeout time.Duration
	router  *gin.Engine
}

func New(bus Bus, opts Options) *Server {
	observability.RegisterMetrics()
	name := opts.Name
	if name == "" {
		name = "busctl"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, name))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     name,
		Addr:     opts.Addr,
		Appeared: time.Now(),
		bus:      bus,
		timeout:  opts.RequestTimeout,
		router:   r,
	}
	s.registerRoutes(opts.Validator)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.Name).Str("addr", s.Addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes(v auth.Validator) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)

	guarded := s.router.Group("/")
	if v != nil {
		guarded.Use(auth.Middleware(v))
	}
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	guarded.GET("/pending", s.handlePending)
	guarded.POST("/actions/:action", s.handleAction)
	guarded.GET("/events/:action", s.handleEvents)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
