package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voicecall/orchestrator/internal/auth"
	"github.com/voicecall/orchestrator/internal/config"
	"github.com/voicecall/orchestrator/internal/version"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router       *chi.Mux
	APIRouter    chi.Router // authenticated, tenant-scoped /api/v1 sub-router
	StreamRouter chi.Router // /api/v1 streaming routes; auth handled in-stream
	Logger       *slog.Logger
	DB           *pgxpool.Pool
	Redis        *redis.Client
	Metrics      *prometheus.Registry
	startedAt    time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers are mounted on APIRouter after calling
// NewServer. allowServiceCall decides which requests may authenticate with
// only a tenant id (trusted internal callers, per an allow-list of paths).
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, tenantLookup tenant.Lookup, allowServiceCall func(*http.Request) bool) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Subject-Id", "X-Tenant-Id", "X-Tenant-Slug", "X-Caller-Role", "X-Caller-Capabilities", "X-Request-ID", "X-Schema-Override"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Authenticated, tenant-scoped API routes.
	s.Router.Route("/api/v1", func(r chi.Router) {
		// 1. Extract the caller principal the upstream gateway already validated.
		r.Use(auth.Middleware(allowServiceCall))

		// Streaming routes skip the tenant middleware (a long-lived SSE or
		// WebSocket connection must not pin a pool connection) and check
		// the principal inside the handler, after the stream headers are
		// committed, so auth failures arrive as in-stream ERROR events.
		r.Group(func(g chi.Router) {
			s.StreamRouter = g
		})

		r.Group(func(g chi.Router) {
			// 2. Resolve the request's schema (override -> subject -> tenant ->
			// environment default -> configured default) and scope a connection.
			g.Use(tenant.Middleware(db, tenantLookup, tenant.HeaderResolver{}, cfg.DefaultSchema, logger))

			// 3. Require a principal on all remaining /api/v1 routes.
			g.Use(auth.RequirePrincipal)

			g.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				t := tenant.FromContext(r.Context())
				p := auth.FromContext(r.Context())
				Respond(w, http.StatusOK, map[string]string{
					"tenant":  t.Slug,
					"schema":  t.Schema,
					"subject": p.SubjectID,
					"role":    p.Role,
					"method":  p.Method,
				})
			})

			// Store reference so domain handlers can be mounted externally.
			s.APIRouter = g
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, ErrorUnavailable, "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, ErrorUnavailable, "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	Commit          string  `json:"commit"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	Database        string  `json:"database"`
	DatabaseLatency float64 `json:"database_latency_ms"`
	Redis           string  `json:"redis"`
	RedisLatency    float64 `json:"redis_latency_ms"`
}

// HandleStatus returns system health information including DB/Redis
// connectivity and process uptime.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		Commit:        version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}
	resp.DatabaseLatency = roundMillis(time.Since(dbStart))

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatency = roundMillis(time.Since(redisStart))

	if resp.Database == "ok" && resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

func roundMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
