// Package server exposes the operations endpoints of the controller:
// health, Prometheus metrics, a status snapshot, the loaded model and a
// WebSocket stream of control-loop events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"autoflow/internal/control"
	"autoflow/internal/ml"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusSource reports the control loop status.
type StatusSource interface {
	Status() control.Status
}

// ModelSource describes the loaded model.
type ModelSource interface {
	Info() ml.Info
}

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// Server serves the operations API.
type Server struct {
	loop     StatusSource
	model    ModelSource
	gatherer prometheus.Gatherer

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex

	events    chan control.Event
	stop      chan struct{}
	done      chan struct{}
	isRunning bool
	mu        sync.Mutex
}

// New builds a server listening on addr. gatherer backs /metrics; nil
// selects the default Prometheus registry.
func New(addr string, loop StatusSource, model ModelSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		loop:     loop,
		model:    model,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
		events:   make(chan control.Event, eventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router of the operations API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/model", s.handleModel).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Observe queues ev for the WebSocket clients. It never blocks; events
// are dropped while the buffer is full. Register it with
// control.Loop.AddObserver.
func (s *Server) Observe(ev control.Event) {
	select {
	case s.events <- ev:
	default:
		log.Debug().Str("type", string(ev.Type)).Msg("event stream buffer full, event dropped")
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("ops server is already running")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go s.broadcaster()
	go func() {
		log.Info().Str("address", ln.Addr().String()).Msg("Starting ops server")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown closes the event stream and stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	close(s.stop)
	<-s.done

	s.clientsMu.Lock()
	for client := range s.clients {
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown ops server")
		return err
	}

	s.isRunning = false
	log.Info().Msg("Ops server stopped")
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) broadcaster() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.broadcast(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcast(ev control.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event for broadcast")
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Msg("Failed to send event to WebSocket client")
			client.Close()
			delete(s.clients, client)
		}
	}
}

type healthResponse struct {
	Status string        `json:"status"`
	State  control.State `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.loop.Status()
	resp := healthResponse{Status: "ok", State: st.State}
	code := http.StatusOK
	if st.Halted() {
		resp.Status = "halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no model loaded"})
		return
	}
	writeJSON(w, http.StatusOK, s.model.Info())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	// The current state goes out first, under the lock, so no broadcast
	// can interleave with it.
	st := s.loop.Status()
	hello := control.Event{Type: control.EventState, Time: time.Now(), State: st.State, CycleID: st.LastCycleID}
	data, err := json.Marshal(hello)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal initial event")
		return
	}
	s.clientsMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.clientsMu.Unlock()
		return
	}
	s.clients[conn] = true
	s.clientsMu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
