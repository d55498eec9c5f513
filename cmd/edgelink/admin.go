package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/edgelink/internal/link"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// statusSource is the part of link.Client the admin routes read.
type statusSource interface {
	Status() session.Status
	State() link.StateSnapshot
}

type statusResponse struct {
	State      string         `json:"state"`
	Address    string         `json:"address"`
	Attempt    int            `json:"attempt"`
	BackoffMS  int64          `json:"backoff_ms"`
	Generation uint64         `json:"generation"`
	Status     session.Status `json:"status"`
}

func adminRouter(src statusSource, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if src.State().State != link.StateConnected {
			http.Error(w, "disconnected\n", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := src.State()
		resp := statusResponse{
			State:      snap.State.String(),
			Address:    snap.Address,
			Attempt:    snap.Attempt,
			BackoffMS:  snap.Backoff.Milliseconds(),
			Generation: snap.Generation,
			Status:     src.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn().Err(err).Msg("edgelink.admin.status encode")
		}
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// serveAdmin runs the admin listener until ctx ends.
func serveAdmin(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("edgelink.admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
