package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"crybin/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Storage string `json:"storage"`
	Lock    string `json:"lock"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready pings the storage backend and, when configured, the Redis purge lock.
// Only the storage backend decides readiness.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Storage: "up", Lock: "unavailable"}

	if err := s.store.Ping(ctx); err != nil {
		util.Error().Err(err).Str("backend", s.cfg.StorageBackend).Msg("storage health check failed")
		resp.Storage = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		resp.Lock = "up"
		lockCtx, lockCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer lockCancel()
		if err := s.rdb.Ping(lockCtx); err != nil {
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Lock = "down"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
