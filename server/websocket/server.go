// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves the live viewer endpoint. Each connection is
// registered with the realtime hub under the channels named in the query
// string and may change them afterwards with subscribe/unsubscribe actions.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/aerocommand/ratelimit"
	"github.com/absmach/aerocommand/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 4096
	writeWait      = 5 * time.Second
)

var errClosed = errors.New("connection closed")

type Config struct {
	Address         string
	Path            string
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Action is a client request to change subscriptions.
type Action struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type Server struct {
	config   Config
	hub      *realtime.Hub
	guard    *ratelimit.Guard
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates the endpoint. guard may be nil to disable rate limiting.
func New(cfg Config, hub *realtime.Hub, guard *ratelimit.Guard, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}

	s := &Server{
		config: cfg,
		hub:    hub,
		guard:  guard,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler exposes the endpoint mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked connections are not tracked by Shutdown.
		s.hub.Close()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.guard.AllowConnect(r) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	conn := newWSConnection(ws)
	channels := ParseChannels(r.URL.Query().Get("channels"))
	s.hub.Connect(conn, channels...)

	s.logger.Debug("websocket_connection_accepted",
		slog.String("conn_id", conn.id),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Any("channels", channels))

	s.reply(conn, "subscribed", s.hub.Channels(conn))
	s.serve(conn)
}

// serve reads actions until the peer goes away.
func (s *Server) serve(conn *wsConnection) {
	defer func() {
		s.hub.Disconnect(conn)
		s.guard.Release(conn.id)
		conn.Close()
		s.logger.Debug("websocket_connection_closed", slog.String("conn_id", conn.id))
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	if s.config.PingInterval > 0 {
		pongWait := 2 * s.config.PingInterval
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.ws.SetPongHandler(func(string) error {
			return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go conn.keepAlive(s.config.PingInterval)
	}

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_failed", slog.String("conn_id", conn.id), slog.String("error", err.Error()))
			}
			return
		}
		s.handleAction(conn, data)
	}
}

func (s *Server) handleAction(conn *wsConnection, data []byte) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		s.reply(conn, "error", "invalid action")
		return
	}
	if !s.guard.AllowAction(conn.id) {
		s.reply(conn, "error", "rate limited")
		return
	}

	switch a.Action {
	case "subscribe":
		s.hub.Subscribe(conn, a.Channels...)
	case "unsubscribe":
		s.hub.Unsubscribe(conn, a.Channels...)
	default:
		s.reply(conn, "error", "unknown action")
		return
	}
	s.reply(conn, "subscribed", s.hub.Channels(conn))
}

func (s *Server) reply(conn *wsConnection, kind string, data any) {
	payload, err := json.Marshal(realtime.Message{Type: kind, Data: data})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := conn.Send(ctx, payload); err != nil {
		s.logger.Debug("websocket_reply_failed", slog.String("conn_id", conn.id), slog.String("error", err.Error()))
	}
}

// ParseChannels splits a comma separated channel list, dropping blanks.
func ParseChannels(raw string) []string {
	var out []string
	for _, ch := range strings.Split(raw, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// wsConnection implements realtime.Conn. gorilla allows one concurrent
// writer, so every data frame goes through mu.
type wsConnection struct {
	id   string
	ws   *websocket.Conn
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func newWSConnection(ws *websocket.Conn) *wsConnection {
	return &wsConnection{
		id:   uuid.NewString(),
		ws:   ws,
		done: make(chan struct{}),
	}
}

func (c *wsConnection) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConnection) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
