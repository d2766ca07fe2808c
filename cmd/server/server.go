package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/config"
	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/registry"
	"github.com/avaropoint/stark/internal/security"
	"github.com/avaropoint/stark/internal/transport"
)

// Server brokers agent connections and serves the admin API.
type Server struct {
	registry  *registry.Registry
	creds     *security.Credentials
	audit     audit.Logger
	metrics   *metrics.Metrics
	limiter   *security.RateLimiter
	proxies   security.TrustedProxies
	heartbeat config.HeartbeatConfig
	upgrader  websocket.Upgrader
	promh     http.Handler
	log       *zap.Logger
}

// ServerOptions wires a Server's collaborators. MetricsHandler may be
// nil to disable /metrics. Forwarded client addresses are only honoured
// from TrustedProxies.
type ServerOptions struct {
	Registry       *registry.Registry
	Credentials    *security.Credentials
	Audit          audit.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Limiter        *security.RateLimiter
	TrustedProxies security.TrustedProxies
	Heartbeat      config.HeartbeatConfig
	Logger         *zap.Logger
}

// NewServer creates a new Server instance.
func NewServer(o ServerOptions) *Server {
	if o.Audit == nil {
		o.Audit = audit.Nop{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Server{
		registry:  o.Registry,
		creds:     o.Credentials,
		audit:     o.Audit,
		metrics:   o.Metrics,
		limiter:   o.Limiter,
		proxies:   o.TrustedProxies,
		heartbeat: o.Heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		promh: o.MetricsHandler,
		log:   o.Logger,
	}
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.realIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Public
	r.Get(transport.Path, s.handleAgent)
	r.Post("/api/login", s.handleLogin)
	r.Get("/healthz", s.handleHealth)
	if s.promh != nil {
		r.Handle("/metrics", s.promh)
	}

	// Administrator session required
	r.Group(func(r chi.Router) {
		r.Use(security.NewAuthMiddleware(s.creds).Wrap)

		r.Route("/api/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Post("/commands", s.handleDispatch)
				r.Post("/sysinfo", s.handleRequestSysinfo)
				r.Post("/files/upload", s.handleUpload)
				r.Post("/files/download", s.handleDownload)
			})
		})
		r.Get("/api/commands/{id}", s.handleGetCommand)

		r.Route("/api/tokens", func(r chi.Router) {
			r.Get("/", s.handleListTokens)
			r.Post("/", s.handleCreateToken)
			r.Delete("/{id}", s.handleRevokeToken)
		})
	})

	return r
}

// realIP rewrites RemoteAddr from X-Real-IP or X-Forwarded-For, but only
// when the TCP peer is a trusted proxy. Rate limiting and audit events
// key on RemoteAddr, so other callers cannot choose their own address.
func (s *Server) realIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.proxies.Contains(r.RemoteAddr) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
