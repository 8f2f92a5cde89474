package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/adwski/jamhub-relay/backend/model"
	"github.com/adwski/jamhub-relay/backend/storage/memory"
	sw "github.com/adwski/jamhub-relay/backend/switch"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultReadTimeout      = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomStore interface {
		GetRoom(roomID string) (*sw.Room, error)
		Stats() model.Stats
	}

	// Relay serves websocket upgrades on /{roomID} and owns the hijacked
	// connections, which http.Server.Shutdown does not track.
	Relay interface {
		http.Handler
		Shutdown(ctx context.Context) error
	}

	Config struct {
		Logger     *zerolog.Logger
		RoomStore  RoomStore
		Relay      Relay
		TLSConfig  *tls.Config
		ListenAddr string
	}

	Server struct {
		logger zerolog.Logger
		store  RoomStore
		relay  Relay
		tls    bool
		*http.Server
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	HealthResponse struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "http-server").Logger(),
		store:  cfg.RoomStore,
		relay:  cfg.Relay,
		tls:    cfg.TLSConfig != nil,
	}

	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(corsHandler)
	r.HandleFunc("/health", srv.health).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", srv.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomID}", srv.room).Methods(http.MethodGet)
	r.Handle("/{roomID}", cfg.Relay)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: defaultReadTimeout,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    "UP",
		Timestamp: time.Now(),
	})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	stats := srv.store.Stats()
	srv.writeJSON(w, http.StatusOK, &stats)
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := mux.Vars(r)["roomID"]

	room, err := srv.store.GetRoom(roomID)
	if err != nil {
		if errors.Is(err, memory.ErrRoomNotFound) {
			srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
			return
		}
		srv.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to get room")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	info := room.Info("")
	srv.writeJSON(w, http.StatusOK, &info)
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

// Run serves until ctx is done or the listener fails, and may be called
// again after a failure. On ctx cancellation the server and every relay
// connection are shut down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	defer srv.logger.Debug().Msg("server stopped")

	errSrv := make(chan error, 1)
	go func() {
		if srv.tls {
			errSrv <- srv.ListenAndServeTLS("", "")
			return
		}
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().
		Str("addr", srv.Addr).
		Bool("tls", srv.tls).
		Msg("server started")

	select {
	case err := <-errSrv:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Join(ErrUnexpected, err)
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := srv.relay.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("relay shutdown failed")
		}
		return nil
	}
}
