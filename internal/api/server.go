package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/config"
	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/metrics"
	"github.com/factoryops/factory-engine/internal/mqttclient"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	DB        *database.DB
	Shared    *cache.Cache
	MQTT      *mqttclient.Client
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	// Unauthenticated endpoints.
	health := NewHealthHandler(opts.DB, opts.MQTT, opts.Version, opts.StartTime)
	r.Get("/health", health.ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Tenant-scoped routes: the bearer token names exactly one factory and
	// every handler reads it from the request context.
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20))
		r.Use(metrics.InstrumentHandler)
		r.Use(FactoryAuth(opts.Config.AuthSecret, opts.Config.AuthEnabled))

		r.Route("/api/v1", func(r chi.Router) {
			NewDevicesHandler(opts.DB, opts.Shared).Routes(r)
			NewRulesHandler(opts.DB, opts.Shared).Routes(r)
			NewAlertsHandler(opts.DB).Routes(r)
			NewDashboardHandler(opts.DB, opts.Shared, opts.Config.StalenessThreshold).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
	}

	return &Server{
		http: srv,
		log:  opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
