// Copyright 2025 The morpheus-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package transport is the network layer of the relay. It accepts
// WebSocket connections over HTTP and hands each one to a session.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/metrics"
	"github.com/turtacn/morpheus-go/pkg/router"
	"github.com/turtacn/morpheus-go/pkg/session"
	"github.com/turtacn/morpheus-go/pkg/supervisor"
)

// Config holds the listener and connection settings.
type Config struct {
	Address       string
	Path          string
	WriteTimeout  time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Address:       ":8080",
		Path:          "/ws",
		WriteTimeout:  10 * time.Second,
		PongWait:      60 * time.Second,
		MaxFrameBytes: 64 * 1024,
	}
}

// Server accepts WebSocket connections and runs a session for each.
type Server struct {
	cfg        Config
	sessionCfg session.Config
	router     *router.Router
	sup        supervisor.Supervisor
	upgrader   websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	// ctx is canceled by Stop and parents every session.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server that routes through r and supervises session
// writers with sup.
func NewServer(r *router.Router, sup supervisor.Supervisor, cfg Config, sessionCfg session.Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		router:     r,
		sup:        sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

// Start begins listening on the configured address. The accept loop runs in
// its own goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("websocket server failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Msg("websocket server listening")
	return nil
}

// Stop closes the listener and every open session, then waits for them to
// finish.
func (s *Server) Stop() {
	s.cancel()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	log.Info().Msg("websocket server stopped")
}

// Addr returns the address the server is listening on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request and serves the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	case <-s.router.Done():
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	metrics.ConnectionsTotal.Inc()

	s.wg.Add(1)
	defer s.wg.Done()

	sess := session.New(newConn(ws, s.cfg), s.router, s.sup, s.sessionCfg)
	if err := sess.Serve(s.ctx); err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("session ended")
	}
}

// conn adapts a gorilla connection to session.Conn.
type conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration
}

func newConn(ws *websocket.Conn, cfg Config) *conn {
	c := &conn{ws: ws, writeWait: cfg.WriteTimeout, pongWait: cfg.PongWait}
	if cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(cfg.MaxFrameBytes)
	}
	if c.pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongWait))
		})
	}
	return c
}

func (c *conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			log.Warn().Err(err).Msg("websocket read error")
		}
		return nil, err
	}
	return data, nil
}

func (c *conn) WriteMessage(data []byte) error {
	if c.writeWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.deadline()))
}

func (c *conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.deadline()))
	return c.ws.Close()
}

func (c *conn) deadline() time.Duration {
	if c.writeWait > 0 {
		return c.writeWait
	}
	return time.Second
}
