// Package httpapi is the device-local control surface: conversation
// browsing for the UI, the capture endpoint for listeners that push
// over HTTP instead of the spool, a manual sync trigger, and a live
// event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymsg/internal/capture"
	"github.com/agentworkforce/relaymsg/internal/engine"
	"github.com/agentworkforce/relaymsg/internal/outbox"
)

type ServerConfig struct {
	// APIToken protects every /v1 route. Empty disables the API.
	APIToken string

	MaxBodyBytes int64

	// SyncEnabled and SyncInterval are echoed on /v1/status so an
	// operator can see the forwarding config in effect.
	SyncEnabled  bool
	SyncInterval time.Duration
}

type Server struct {
	store    outbox.EventStore
	ingestor *capture.Ingestor
	hub      *capture.Hub

	// triggerSync asks the scheduler for an immediate out-of-cadence
	// run; it must not block on the run itself.
	triggerSync func() error

	cfg ServerConfig
	log *slog.Logger

	mu      sync.Mutex
	lastRun *engine.Report
}

func NewServer(store outbox.EventStore, ingestor *capture.Ingestor, hub *capture.Hub,
	triggerSync func() error, cfg ServerConfig, log *slog.Logger) (*Server, error) {
	if store == nil || ingestor == nil {
		return nil, errors.New("httpapi: store and ingestor are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:       store,
		ingestor:    ingestor,
		hub:         hub,
		triggerSync: triggerSync,
		cfg:         cfg,
		log:         log,
	}, nil
}

// RecordRun stores the most recent sync report for /v1/status.
func (s *Server) RecordRun(report engine.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &report
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case len(parts) == 2 && parts[1] == "conversations" && r.Method == http.MethodGet:
		s.handleConversations(w, r)
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "events" && r.Method == http.MethodGet:
		s.handleConversationEvents(w, r, outbox.ConversationID(parts[2]))
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "read" && r.Method == http.MethodPost:
		s.handleConversationRead(w, r, outbox.ConversationID(parts[2]))
	case len(parts) == 2 && parts[1] == "capture" && r.Method == http.MethodPost:
		s.handleCapture(w, r)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	delivered, err := s.store.CountDelivered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	undelivered, err := s.store.CountUndelivered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.mu.Lock()
	lastRun := s.lastRun
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, struct {
		Delivered    int64          `json:"delivered"`
		Undelivered  int64          `json:"undelivered"`
		SyncEnabled  bool           `json:"sync_enabled"`
		SyncInterval string         `json:"sync_interval,omitempty"`
		LastRun      *engine.Report `json:"last_run"`
	}{
		Delivered:    delivered,
		Undelivered:  undelivered,
		SyncEnabled:  s.cfg.SyncEnabled,
		SyncInterval: formatInterval(s.cfg.SyncInterval),
		LastRun:      lastRun,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]conversationView, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, newConversationView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request, id outbox.ConversationID) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	name, err := s.store.ConversationName(r.Context(), id)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	events, err := s.store.EventsByConversation(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]eventView, 0, len(events))
	for _, event := range events {
		out = append(out, newEventView(event))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": name, "events": out})
}

func (s *Server) handleConversationRead(w http.ResponseWriter, r *http.Request, id outbox.ConversationID) {
	if err := s.store.MarkConversationRead(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	id, err := s.ingestor.IngestRaw(r.Context(), body)
	if err != nil {
		if errors.Is(err, capture.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		// Storage fault: tell the listener to keep the notification
		// and retry.
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "event_id": id})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if s.triggerSync == nil {
		writeError(w, http.StatusConflict, "sync_unavailable", "sync scheduler not running")
		return
	}
	if err := s.triggerSync(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusConflict, "stream_unavailable", "event stream not running")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	notices, cancel := s.hub.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case notice, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, notice)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable request body")
		return nil, false
	}
	return body, true
}

type conversationView struct {
	ID          outbox.ConversationID `json:"id"`
	Name        string                `json:"name"`
	LastEventAt time.Time             `json:"last_event_at"`
	Preview     string                `json:"preview"`
	Unread      int                   `json:"unread"`
}

func newConversationView(c outbox.Conversation) conversationView {
	return conversationView{
		ID:          c.ID,
		Name:        c.Name,
		LastEventAt: c.LastEventAt,
		Preview:     c.Preview,
		Unread:      c.Unread,
	}
}

type eventView struct {
	ID          outbox.EventID `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	Sender      string         `json:"sender"`
	Body        string         `json:"body"`
	Self        bool           `json:"self"`
	Delivered   bool           `json:"delivered"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

func newEventView(e outbox.Event) eventView {
	return eventView{
		ID:          e.ID,
		CreatedAt:   e.CreatedAt,
		Sender:      e.Sender,
		Body:        e.Body,
		Self:        e.Self,
		Delivered:   e.Delivered,
		DeliveredAt: e.DeliveredAt,
		RetryCount:  e.RetryCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func formatInterval(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return fallback
	}
	return value
}
