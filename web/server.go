// Package web serves the HTTP control API and a WebSocket stream of metronome events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/metronome/app"
	"github.com/robmorgan/metronome/health"
	"github.com/robmorgan/metronome/logger"
	"github.com/robmorgan/metronome/notify"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the metronome the API drives. *app.App satisfies it.
type Controller interface {
	Start() error
	Stop() bool
	Toggle() (bool, error)
	SetTempo(bpm float64) error
	SetTimeSignature(numerator, denominator int) error
	SetVolume(v float64) error
	SetTone(name string) error
	Tap() (float64, bool)
	Retry(ctx context.Context) error
	Status() app.Status
	Bus() *notify.Bus
}

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type tempoRequest struct {
	BPM float64 `json:"bpm"`
}

type signatureRequest struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

type toneRequest struct {
	Tone string `json:"tone"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front end.
type Server struct {
	ctrl    Controller
	addr    string
	hub     *Hub
	health  *health.Handler
	metrics http.Handler
	origins []string
	log     *logrus.Entry

	handler http.Handler
}

type Option func(*Server)

func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins restricts cross-origin requests. All origins are allowed by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

func NewServer(ctrl Controller, addr string, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		addr:    addr,
		hub:     NewHub(),
		origins: []string{"*"},
		log:     logger.GetProjectLogger().WithField("component", "web"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/toggle", s.handleToggle).Methods(http.MethodPost)
	api.HandleFunc("/tap", s.handleTap).Methods(http.MethodPost)
	api.HandleFunc("/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/tempo", s.handleTempo).Methods(http.MethodPut)
	api.HandleFunc("/signature", s.handleSignature).Methods(http.MethodPut)
	api.HandleFunc("/volume", s.handleVolume).Methods(http.MethodPut)
	api.HandleFunc("/tone", s.handleTone).Methods(http.MethodPut)

	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.health != nil {
		s.health.Register(r)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	sub := s.ctrl.Bus().Subscribe("web", notify.DefaultBuffer)
	defer sub.Close()
	go s.forward(sub)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// forward broadcasts bus events to WebSocket clients until the subscription closes.
func (s *Server) forward(sub *notify.Subscription) {
	for ev := range sub.C() {
		data, err := json.Marshal(Message{Type: ev.Kind.String(), Payload: ev})
		if err != nil {
			s.log.WithError(err).Debug("failed to marshal event")
			continue
		}
		s.hub.Broadcast(data)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.ctrl.Toggle(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTap(w http.ResponseWriter, _ *http.Request) {
	bpm, ok := s.ctrl.Tap()
	writeJSON(w, http.StatusOK, map[string]interface{}{"bpm": bpm, "applied": ok})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Retry(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTempo(w http.ResponseWriter, r *http.Request) {
	var req tempoRequest
	if !decode(w, r, &req) {
		return
	}
	s.apply(w, s.ctrl.SetTempo(req.BPM))
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !decode(w, r, &req) {
		return
	}
	s.apply(w, s.ctrl.SetTimeSignature(req.Numerator, req.Denominator))
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}
	s.apply(w, s.ctrl.SetVolume(req.Volume))
}

func (s *Server) handleTone(w http.ResponseWriter, r *http.Request) {
	var req toneRequest
	if !decode(w, r, &req) {
		return
	}
	s.apply(w, s.ctrl.SetTone(req.Tone))
}

func (s *Server) apply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.ctrl.Status())
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.hub.attach(conn)
	if client == nil {
		conn.Close()
		return
	}
	if data, err := json.Marshal(Message{Type: "status", Payload: s.ctrl.Status()}); err == nil {
		s.hub.deliver(client, data)
	}

	go client.writePump()
	client.readPump(s.handleClientMessage)
}

// handleClientMessage applies control messages sent over the WebSocket.
func (s *Server) handleClientMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.WithError(err).Debug("failed to parse websocket message")
		return
	}

	var err error
	switch msg.Type {
	case "toggle":
		_, err = s.ctrl.Toggle()
	case "tap":
		s.ctrl.Tap()
	case "set_tempo":
		var req tempoRequest
		if err = json.Unmarshal(msg.Payload, &req); err == nil {
			err = s.ctrl.SetTempo(req.BPM)
		}
	default:
		s.log.WithField("type", msg.Type).Debug("unknown websocket message")
	}
	if err != nil {
		s.log.WithError(err).WithField("type", msg.Type).Debug("websocket command failed")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
