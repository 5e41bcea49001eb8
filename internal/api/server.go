package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"failsafe-dispatch/internal/config"
	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/metrics"
	"failsafe-dispatch/internal/ws"
)

type Server struct {
	Config           *config.Config
	Service          *failsafe.Service
	Heartbeats       failsafe.HeartbeatWriter
	WebsocketManager *ws.Manager
	Metrics          *metrics.Metrics
	logger           *slog.Logger
	now              func() time.Time
}

func NewServer(config *config.Config, service *failsafe.Service, heartbeats failsafe.HeartbeatWriter,
	wsManager *ws.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		Config:           config,
		Service:          service,
		Heartbeats:       heartbeats,
		WebsocketManager: wsManager,
		Metrics:          m,
		logger:           logger,
		now:              time.Now,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate;")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("API server is started.")); err != nil {
		s.logger.Error(fmt.Sprintf("Error writing response: %v", err))
	}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.HandleFunc("POST /events", s.createEvent())
	mux.HandleFunc("GET /events/{id}", s.getEvent())
	mux.HandleFunc("POST /events/{id}/resolve", s.resolveEvent())
	mux.HandleFunc("POST /alerts/{id}/accept", s.acceptAlert())
	mux.HandleFunc("POST /alerts/{id}/decline", s.declineAlert())
	mux.HandleFunc("GET /responders/{id}/alerts", s.responderAlerts())
	mux.HandleFunc("POST /responders/{id}/heartbeat", s.heartbeat())

	mux.HandleFunc("GET /ws/responders", s.wsHandler(ws.KindResponder, "responder_id"))
	mux.HandleFunc("GET /ws/users", s.wsHandler(ws.KindUser, "user_id"))
	mux.HandleFunc("GET /ws/oversight", s.wsHandler(ws.KindOversight, ""))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    net.JoinHostPort(s.Config.APIServerHost, s.Config.APIServerPort),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server is running", "port", s.Config.APIServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed to listen and serve", "error", err)
			errCh <- err
		}
	}()

	var (
		wg        sync.WaitGroup
		listenErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case listenErr = <-errCh:
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server failed to shutdown", "error", err)
		}
	}()

	wg.Wait()
	return listenErr
}
