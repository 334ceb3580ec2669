package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeflow/internal/observability"
)

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status     string    `json:"status"`
	Uptime     string    `json:"uptime"`
	Started    time.Time `json:"started"`
	Storage    string    `json:"storage"`
	RateStore  string    `json:"rate_store"`
	QueueDepth int       `json:"queue_depth"`
	EVMPollers int       `json:"evm_pollers"`
	SolanaLogs bool      `json:"solana_logs"`
}

func (s *service) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/webhooks/solana", s.webhook)

	return mux
}

func (s *service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:     "running",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Started:    s.started.UTC(),
		Storage:    s.cfg.Storage.Driver,
		RateStore:  s.cfg.Trigger.RateStore,
		QueueDepth: s.engine.Queue().Len(),
		EVMPollers: len(s.pollers),
		SolanaLogs: s.logs != nil,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// serveHTTP runs the HTTP server under g and shuts it down when ctx ends.
func (s *service) serveHTTP(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
}
