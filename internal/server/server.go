// Package server exposes the control and observation surface of the engine:
// health, prometheus metrics, bot snapshots, start/stop and a per-user
// websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"martingale-bot-go/internal/bot"
	"martingale-bot-go/internal/manager"
	"martingale-bot-go/internal/models"
	"martingale-bot-go/internal/secrets"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Supervisor is the part of manager.Supervisor the server drives.
type Supervisor interface {
	Start(ctx context.Context, spec models.BotSpec) error
	Stop(ctx context.Context, id uuid.UUID) error
	GetRunning(id uuid.UUID) (*bot.Instance, bool)
	Snapshots() []bot.Snapshot
}

// SpecResolver looks up the configured bot for id.
type SpecResolver func(id uuid.UUID) (models.BotSpec, bool)

// Server wires the HTTP routes.
type Server struct {
	sup       Supervisor
	specs     SpecResolver
	hub       *Hub
	tokenHash string
	logger    *zap.Logger
}

// New creates a server. An empty tokenHash leaves the /api routes open.
func New(sup Supervisor, specs SpecResolver, hub *Hub, tokenHash string, logger *zap.Logger) *Server {
	return &Server{
		sup:       sup,
		specs:     specs,
		hub:       hub,
		tokenHash: tokenHash,
		logger:    logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/bots", s.handleListBots).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id}", s.handleGetBot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id}/start", s.handleStartBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id}/stop", s.handleStopBot).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("http handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorize(r, false); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize checks the bearer token. Browsers cannot set headers on a
// websocket handshake, so allowQuery also accepts ?token=.
func (s *Server) authorize(r *http.Request, allowQuery bool) error {
	if s.tokenHash == "" {
		return nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if (!ok || token == "") && allowQuery {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return errors.New("missing bearer token")
	}
	if err := secrets.CheckToken(s.tokenHash, token); err != nil {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"bots":       len(s.sup.Snapshots()),
		"ws_clients": s.hub.Clients(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, true); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	s.hub.serveWS(w, r, userID)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	snaps := s.sup.Snapshots()
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.UserID == userID {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	if snaps == nil {
		snaps = []bot.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(w, r)
	if !ok {
		return
	}
	inst, ok := s.sup.GetRunning(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("bot is not running"))
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(w, r)
	if !ok {
		return
	}
	spec, ok := s.specs(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("bot is not configured"))
		return
	}

	if err := s.sup.Start(r.Context(), spec); err != nil {
		switch {
		case errors.Is(err, manager.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, manager.ErrCredentialsMissing), errors.Is(err, manager.ErrCredentialsInvalid):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.BotStatusRunning)})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.sup.Stop(ctx, id); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.BotStatusStopped)})
}

func botID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid bot id"))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
