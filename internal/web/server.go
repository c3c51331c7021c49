// Package web serves the read models over HTTP: the space snapshot,
// the chore overview, a WebSocket push feed of live updates, the
// inbound endpoint for chat bridge messages, and QR codes for linking
// chat accounts.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/makerspaceleiden/aggregator/internal/aggregator"
	"github.com/makerspaceleiden/aggregator/internal/buildinfo"
	"github.com/makerspaceleiden/aggregator/internal/events"
	"github.com/makerspaceleiden/aggregator/internal/model"
	"github.com/makerspaceleiden/aggregator/internal/notify"
	"github.com/makerspaceleiden/aggregator/internal/worker"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP read-model server.
type Server struct {
	address string
	port    int
	queue   *worker.Queue
	agg     *aggregator.Aggregator
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the server. It reads aggregator state exclusively
// through the worker queue, never concurrently with the event path.
func NewServer(address string, port int, queue *worker.Queue, agg *aggregator.Aggregator, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		queue:   queue,
		agg:     agg,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The snapshot endpoints are open on the space LAN; the
			// push feed follows the same policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /chores", s.handleChores)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /bot/message", s.handleBotMessage)
	mux.HandleFunc("GET /connect/qr", s.handleConnectQR)

	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "aggregator",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var snap model.SpaceState
	err := s.queue.Do(r.Context(), "http space state", func(ctx context.Context) error {
		var err error
		snap, err = s.agg.SpaceState(ctx)
		return err
	})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleChores(w http.ResponseWriter, r *http.Request) {
	var view aggregator.ChoresView
	err := s.queue.Do(r.Context(), "http chore overview", func(ctx context.Context) error {
		var err error
		view, err = s.agg.ChoreOverview(ctx)
		return err
	})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, view, s.logger)
}

// botMessageRequest is one inbound chat message, posted by the signal
// and telegram bridges.
type botMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// botMessageResponse is the reply the bridge should send back to the
// member, with the command choices to offer (platforms with buttons
// render them, the rest ignore them).
type botMessageResponse struct {
	Text     string           `json:"text"`
	Commands []notify.Command `json:"commands"`
}

func (s *Server) handleBotMessage(w http.ResponseWriter, r *http.Request) {
	var req botMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		s.errorResponse(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	var reply notify.Message
	err := s.queue.Do(r.Context(), "bot message", func(ctx context.Context) error {
		var err error
		// "link <token>" binds this chat account to the membership the
		// token was minted for; everything else is a bot conversation.
		if token, ok := strings.CutPrefix(strings.TrimSpace(req.Text), "link "); ok {
			reply, err = s.agg.ResolveLinkToken(ctx, req.ChatID, strings.TrimSpace(token))
		} else {
			reply, err = s.agg.HandleBotMessage(ctx, req.ChatID, req.Text)
		}
		return err
	})
	if err != nil {
		s.logger.Error("bot message failed", "chat_id", req.ChatID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "bot error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, botMessageResponse{Text: reply.Text(), Commands: reply.Commands()}, s.logger)
}

// handleConnectQR mints a link token for the given member and renders
// it as a QR code containing the "link <token>" message to send to the
// bot. The CRM embeds this image in the notification settings page.
func (s *Server) handleConnectQR(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var token string
	err = s.queue.Do(r.Context(), "create link token", func(ctx context.Context) error {
		var err error
		token, err = s.agg.CreateLinkToken(ctx, userID)
		return err
	})
	if err != nil {
		s.logger.Error("link token failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "token error")
		return
	}

	png, err := qrcode.Encode("link "+token, qrcode.Medium, 256)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "qr encode error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// handleWS upgrades to a WebSocket and pushes live space updates. A
// slow client misses events rather than holding the aggregator back.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(16)
	defer s.bus.Unsubscribe(sub)

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
