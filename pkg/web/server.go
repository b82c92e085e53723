// Package web serves the HTTP and WebSocket surface: login, the live
// dashboard socket, device status, alert reads, command submission
// and the metrics endpoint. Entity CRUD beyond these seams lives in
// the external configuration service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/auth"
	"github.com/navitrack/fleetcore/pkg/commands"
	"github.com/navitrack/fleetcore/pkg/hub"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/protocol"
)

// Core is the read surface the server consumes.
type Core interface {
	DeviceByID(ctx context.Context, id int64) (*model.Device, error)
	AlertsForDevice(ctx context.Context, deviceID int64, limit int) ([]*model.Alert, error)
	MarkAlertRead(ctx context.Context, alertID int64) error
	CommandByID(ctx context.Context, id int64) (*model.Command, error)
}

// LiveState exposes per-device snapshots.
type LiveState interface {
	State(deviceID int64) model.DeviceState
}

// DeviceDeleter cascades a device delete through every component:
// session eviction, command drain, alert state removal, storage.
type DeviceDeleter interface {
	DeleteDevice(ctx context.Context, deviceID int64) error
}

// Server is the HTTP/WebSocket front.
type Server struct {
	addr       string
	auth       *auth.Service
	core       Core
	live       LiveState
	deleter    DeviceDeleter
	hub        *hub.Hub
	dispatcher *commands.Dispatcher
	metrics    *metrics.Metrics
	log        *logger.Logger

	server   *http.Server
	upgrader websocket.Upgrader
}

// Config for the web server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a web server.
func New(cfg Config, authSvc *auth.Service, core Core, live LiveState,
	deleter DeviceDeleter, h *hub.Hub, dispatcher *commands.Dispatcher,
	m *metrics.Metrics, log *logger.Logger) *Server {

	s := &Server{
		addr:       cfg.Addr,
		auth:       authSvc,
		core:       core,
		live:       live,
		deleter:    deleter,
		hub:        h,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log.WithComponent("web"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/devices/", s.requireAuth(s.handleDevice))
	mux.HandleFunc("/api/alerts/", s.requireAuth(s.handleAlertRead))
	mux.HandleFunc("/api/commands", s.requireAuth(s.handleCommandCreate))
	mux.HandleFunc("/api/commands/preview", s.requireAuth(s.handleCommandPreview))
	mux.HandleFunc("/api/commands/", s.requireAuth(s.handleCommandStatus))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("web server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type contextKey string

const claimsKey contextKey = "claims"

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleDevice serves /api/devices/{id} and /api/devices/{id}/alerts.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	idPart, tail, _ := strings.Cut(rest, "/")
	deviceID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	switch tail {
	case "":
		if r.Method == http.MethodDelete {
			claims := r.Context().Value(claimsKey).(*auth.Claims)
			if !claims.Admin {
				s.sendError(w, http.StatusForbidden, "admin only")
				return
			}
			if err := s.deleter.DeleteDevice(r.Context(), deviceID); err != nil {
				s.sendError(w, http.StatusInternalServerError, "failed to delete device")
				return
			}
			s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
		device, err := s.core.DeviceByID(r.Context(), deviceID)
		if err != nil {
			s.sendError(w, http.StatusNotFound, "device not found")
			return
		}
		state := s.live.State(deviceID)
		s.sendJSON(w, http.StatusOK, map[string]interface{}{
			"device": device,
			"state":  state,
		})
	case "alerts":
		alerts, err := s.core.AlertsForDevice(r.Context(), deviceID, 100)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "failed to list alerts")
			return
		}
		s.sendJSON(w, http.StatusOK, alerts)
	default:
		s.sendError(w, http.StatusNotFound, "not found")
	}
}

// handleAlertRead marks /api/alerts/{id}/read.
func (s *Server) handleAlertRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	idPart, tail, _ := strings.Cut(rest, "/")
	if tail != "read" {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	alertID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	if err := s.core.MarkAlertRead(r.Context(), alertID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to mark alert read")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommandCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var cmd model.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dispatcher.Enqueue(r.Context(), &cmd); err != nil {
		if errors.Is(err, protocol.ErrUnsupportedCommand) {
			s.sendError(w, http.StatusUnprocessableEntity, "protocol does not support commands")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}
	s.sendJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleCommandPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var cmd model.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	preview, err := s.dispatcher.PreviewCommand(r.Context(), &cmd)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedCommand) {
			s.sendError(w, http.StatusUnprocessableEntity, "protocol does not support commands")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to preview command")
		return
	}
	s.sendJSON(w, http.StatusOK, preview)
}

// handleCommandStatus serves /api/commands/{id}.
func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	idPart := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	commandID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	cmd, err := s.core.CommandByID(r.Context(), commandID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "command not found")
		return
	}
	s.sendJSON(w, http.StatusOK, cmd)
}

// handleWebSocket upgrades a dashboard connection. The token rides in
// the query string; the subscription follows the authenticated user.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe(claims.UserID)
	s.log.Info("dashboard connected", "user_id", claims.UserID)

	// Reader: only drains control frames and detects disconnect.
	go func() {
		defer s.hub.Unsubscribe(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for msg := range sub.C {
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
