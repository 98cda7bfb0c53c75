// Package httpapi exposes session control and status to the host UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/controller"
	"github.com/loqalabs/loqa-lector/internal/persona"
	"github.com/loqalabs/loqa-lector/internal/pipeline"
)

// Session is the control surface the API drives.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	Reset()
	SetPersona(id string) persona.Persona
	SetPlaybackMode(mode string) error
	ProcessFile(ctx context.Context, name string, data []byte) error
	Snapshot() controller.Snapshot
	Logs() []controller.LogEntry
	Metrics() []pipeline.Metric
}

type Options struct {
	Metrics        http.Handler
	Ready          func() bool
	StatusInterval time.Duration
	MaxUploadBytes int64
}

type Server struct {
	session  Session
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

var errEmptyBody = errors.New("empty request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func New(session Session, opts Options, logger *slog.Logger) *Server {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 500 * time.Millisecond
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 256 << 20
	}
	return &Server{
		session: session,
		opts:    opts,
		logger:  logger.With(slog.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/ws", s.handleStatusWS)
		r.Get("/logs", s.handleLogs)
		r.Get("/metrics/chunks", s.handleChunkMetrics)
		r.Get("/personas", s.handlePersonas)
		r.Post("/session/start", s.handleStart)
		r.Post("/session/stop", s.handleStop)
		r.Post("/session/reset", s.handleReset)
		r.Post("/persona", s.handleSetPersona)
		r.Post("/playback/mode", s.handleSetMode)
		r.Post("/files", s.handleUpload)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"logs": s.session.Logs()})
}

func (s *Server) handleChunkMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"metrics": s.session.Metrics()})
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"personas": persona.All(),
		"current":  s.session.Snapshot().Persona,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Start(r.Context()); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.session.Stop()
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.session.Reset()
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

type personaRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSetPersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.session.SetPersona(req.ID))
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.session.SetPlaybackMode(req.Mode); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleUpload accepts either a multipart form with a "file" field or the raw
// audio as the request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	name, data, err := readUpload(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	// The request context ends with this response; the controller feeds from
	// its own lifetime context.
	if err := s.session.ProcessFile(r.Context(), name, data); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func readUpload(r *http.Request) (string, []byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, err
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		return filepath.Base(header.Filename), data, err
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	return filepath.Base(name), data, err
}

// handleStatusWS pushes a snapshot every status interval until the client
// goes away.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain control frames; any read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(s.session.Snapshot()); err != nil {
			s.logger.Debug("status socket closed", slog.String("error", err.Error()))
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lector.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, lector.ErrDeviceUnavailable):
		respondError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
	case errors.Is(err, lector.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "empty_input", err.Error())
	case errors.Is(err, lector.ErrDecode):
		respondError(w, http.StatusUnprocessableEntity, "decode_failed", err.Error())
	default:
		s.logger.Error("session request failed", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
