// Package monitor serves the relay's live state over HTTP: GET /status
// returns a JSON snapshot, GET /events upgrades to a websocket streaming
// every bus event.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/blelink/event"
	"github.com/user/blelink/logger"
)

const (
	prefix       = "Monitor"
	pingInterval = 20 * time.Second
)

// Status is the /status document
type Status struct {
	BLEState      string `json:"ble_state"`
	Peripheral    string `json:"peripheral,omitempty"`
	MTU           int    `json:"mtu,omitempty"`
	PendingFrames int    `json:"pending_frames"`
	InFlight      bool   `json:"in_flight"`
	BufferedBytes int    `json:"buffered_bytes"`
	ClassicState  string `json:"classic_state,omitempty"`
	ClassicPeer   string `json:"classic_peer,omitempty"`
}

// StatusFunc builds a Status snapshot
type StatusFunc func() Status

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server exposes the bus and a status snapshot
type Server struct {
	bus    *event.Bus
	status StatusFunc

	done      chan struct{}
	closeOnce sync.Once
}

func New(bus *event.Bus, status StatusFunc) *Server {
	return &Server{bus: bus, status: status, done: make(chan struct{})}
}

// Close ends every open event stream with a going-away close frame.
// Hijacked websocket connections are not tracked by http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler routes /status and /events
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info(prefix, "listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		logger.Debug(prefix, "status write: %v", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event published after
	// the client connects is missed.
	events, unsub := s.bus.Subscribe()
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(prefix, "ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug(prefix, "ws write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		}
	}
}
