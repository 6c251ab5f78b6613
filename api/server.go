// Package api is the operator HTTP surface: liveness, Prometheus metrics
// and the current score ranking. Three exact-match routes on the stdlib
// mux; the heavy lifting all lives behind the StatsSource.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/core"
	"github.com/web3guy0/sage/types"
)

const (
	defaultTopN    = 20
	maxTopN        = 500
	readTimeout    = 5 * time.Second
	writeTimeout   = 10 * time.Second
	shutdownGrace  = 5 * time.Second
	requestTimeout = 5 * time.Second
)

// StatsSource is what the handlers read. The engine satisfies it.
type StatsSource interface {
	GetStats() core.Stats
	TopScores(n int) []types.ScoreEvent
}

type Server struct {
	src StatsSource
	srv *http.Server
}

func NewServer(addr string, src StatsSource) *Server {
	s := &Server{src: src}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ranks/top", s.handleRanksTop)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      http.TimeoutHandler(mux, requestTimeout, "request timed out\n"),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("🌐 HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.src.GetStats()
	writeJSON(w, map[string]any{
		"status":            "ok",
		"scores":            stats.Scores,
		"tracked_addresses": stats.TrackedTraders,
	})
}

func (s *Server) handleRanksTop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := defaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if n > maxTopN {
		n = maxTopN
	}
	ranks := s.src.TopScores(n)
	if ranks == nil {
		ranks = []types.ScoreEvent{}
	}
	writeJSON(w, ranks)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}
