package api

import (
	"context"
	"net/http"
	"time"

	"crybin/cfg"
	"crybin/svc/db"
	"crybin/svc/lim"
	"crybin/svc/svc"
	"crybin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the JSON API. anomaly and rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, traffic *lim.TrafficLimiter, anomaly *lim.AnomalyDetector, store db.Store, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(traffic, anomaly, c)
	s := &Server{
		router: r,
		cfg:    c,
		store:  store,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	r.Use(mw.Recoverer)
	r.Use(mw.Metrics)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.AnomalyDetection)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		hdl := &Hdl{paste: p, cfg: c}
		r.With(mw.TrafficLimit).Post("/", hdl.Create)
		r.With(mw.TrafficLimit).Post("/pastes", hdl.Create)
		r.Get("/pastes/{id}", hdl.Get)
		r.Delete("/pastes/{id}", hdl.Delete)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Str("backend", s.cfg.StorageBackend).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
