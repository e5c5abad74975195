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

// package session manages a single client connection: the connect
// handshake, decoding inbound frames into router operations, and an
// outbound writer actor fed by the session's mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/metrics"
	"github.com/turtacn/morpheus-go/pkg/registry"
	"github.com/turtacn/morpheus-go/pkg/router"
	"github.com/turtacn/morpheus-go/pkg/supervisor"
	"golang.org/x/time/rate"
)

// ErrHandshake is returned by Serve when the client did not open with a
// valid connect frame.
var ErrHandshake = errors.New("handshake failed")

// Conn is a message-oriented connection to one client. ReadMessage may be
// called from one goroutine and WriteMessage and Ping from another. Close
// must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	RemoteAddr() string
	Close() error
}

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateActive
	StateClosing
	StateClosed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-session limits.
type Config struct {
	MailboxSize      int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// InboundRate is the sustained number of frames per second a client may
	// send. Zero disables limiting.
	InboundRate  float64
	InboundBurst int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MailboxSize:      256,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     54 * time.Second,
		InboundRate:      50,
		InboundBurst:     100,
	}
}

// Session is the server side of one client connection.
type Session struct {
	conn    Conn
	router  *router.Router
	sup     supervisor.Supervisor
	cfg     Config
	limiter *rate.Limiter

	id       message.ClientID
	topic    string
	mb       *actor.Mailbox
	endpoint *router.Endpoint
	logger   zerolog.Logger

	// mu orders registration in the handshake against Close.
	mu        sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a session for conn. Outbound writers are run under sup.
func New(conn Conn, r *router.Router, sup supervisor.Supervisor, cfg Config) *Session {
	limit := rate.Inf
	if cfg.InboundRate > 0 {
		limit = rate.Limit(cfg.InboundRate)
	}
	burst := cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		conn:    conn,
		router:  r,
		sup:     sup,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.With().Str("remote", conn.RemoteAddr()).Logger(),
		closed:  make(chan struct{}),
	}
}

// ID returns the identity assigned during the handshake.
func (s *Session) ID() message.ClientID {
	return s.id
}

// Topic returns the topic the client subscribed to.
func (s *Session) Topic() string {
	return s.topic
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session has reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Serve performs the handshake and then processes inbound frames until the
// connection fails, the client disconnects or ctx is canceled. It always
// leaves the session closed.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		return err
	}

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	s.sup.StartChild(ctx, supervisor.Spec{
		ID:      "session-writer-" + s.id.String(),
		Actor:   &writer{conn: s.conn, pingInterval: s.cfg.PingInterval, logger: s.logger},
		Restart: supervisor.RestartTemporary,
		Mailbox: s.mb,
		OnExit:  func(error) { s.Close() },
	})

	s.readLoop(ctx)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	if s.cfg.HandshakeTimeout > 0 {
		timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() { _ = s.conn.Close() })
		defer timer.Stop()
	}

	data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := message.Decode(data)
	if err != nil {
		_ = s.writeDirect(message.Rejection("", router.CodeMalformedFrame, "Invalid message format"))
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Kind != message.KindConnect {
		_ = s.writeDirect(message.Rejection(f.ID, router.CodeMalformedFrame, "expected a connect frame"))
		return fmt.Errorf("%w: first frame was %q", ErrHandshake, f.Kind)
	}

	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: session closed", ErrHandshake)
	}
	id := uuid.New()
	mb := actor.NewMailbox(s.cfg.MailboxSize)
	if _, err := s.router.Connect(id, f.Target, router.MailboxHandle(mb)); err != nil {
		s.mu.Unlock()
		_ = s.writeDirect(message.Rejection(f.ID, router.Code(err), err.Error()))
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s.id, s.topic, s.mb = id, f.Target, mb
	s.endpoint = s.router.Endpoint(id)
	s.logger = s.logger.With().Str("client_id", id.String()).Str("topic", f.Target).Logger()
	s.state.Store(int32(StateSubscribed))
	s.mu.Unlock()

	// The writer is not running yet, so the welcome is written here.
	if err := s.writeDirect(message.Welcome(s.id, s.topic)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return ctx.Err()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() < StateClosing {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.logger.Debug().Bytes("frame", data).Msg("frame received")

		f, err := message.Decode(data)
		if err != nil {
			s.rejectLocal(ctx, "", router.CodeMalformedFrame, "Invalid message format")
			continue
		}
		if !s.limiter.Allow() {
			s.rejectLocal(ctx, f.ID, router.CodeRateLimited, router.ErrRateLimited.Error())
			continue
		}
		if f.Kind == message.KindDisconnect {
			s.logger.Info().Msg("client requested disconnect")
			return
		}
		s.handle(ctx, f)
	}
}

// handle turns one client frame into a router operation and answers with a
// receipt or a rejection.
func (s *Session) handle(ctx context.Context, f message.Frame) {
	mode, err := s.modeOf(f)
	if err != nil {
		s.rejectLocal(ctx, f.ID, router.Code(err), err.Error())
		return
	}

	m, rc, err := s.endpoint.Submit(ctx, mode, f.Payload)
	if err != nil {
		s.enqueue(ctx, message.Rejection(f.ID, router.Code(err), err.Error()))
		return
	}
	s.state.CompareAndSwap(int32(StateSubscribed), int32(StateActive))
	if mode.Kind != message.KindAck {
		s.enqueue(ctx, message.Receipt(m.ID, f.ID, rc.Delivered()))
	}
}

func (s *Session) modeOf(f message.Frame) (message.Mode, error) {
	switch f.Kind {
	case message.KindBroadcast:
		return message.Broadcast(), nil
	case message.KindTopic:
		if f.Target == "" {
			return message.ToTopic(s.topic), nil
		}
		return message.ToTopic(f.Target), nil
	case message.KindPrivate:
		// Always refused by the router for clients; an unparsable target
		// must not turn that into a different error.
		id, _ := uuid.Parse(f.Target)
		return message.ToClient(id), nil
	case message.KindReply:
		id, err := f.TargetID()
		return message.ReplyTo(id), err
	case message.KindAck:
		id, err := f.TargetID()
		return message.AckOf(id), err
	case message.KindConnect:
		return message.Mode{}, fmt.Errorf("%w: already connected", router.ErrPolicyViolation)
	default:
		return message.Mode{}, fmt.Errorf("%w: kind %q is not accepted from clients", message.ErrMalformedFrame, f.Kind)
	}
}

func (s *Session) rejectLocal(ctx context.Context, ref, code, reason string) {
	metrics.Rejections.WithLabelValues(code).Inc()
	s.logger.Warn().Str("ref", ref).Str("code", code).Msg(reason)
	s.enqueue(ctx, message.Rejection(ref, code, reason))
}

// enqueue hands a control frame to the writer through the mailbox so that
// it is ordered with routed messages.
func (s *Session) enqueue(ctx context.Context, f message.Frame) {
	if err := s.mb.Send(ctx, f); err != nil {
		s.logger.Debug().Err(err).Str("kind", string(f.Kind)).Msg("dropping frame")
	}
}

func (s *Session) writeDirect(f message.Frame) error {
	data, err := message.Encode(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(data)
}

// Close unregisters the client and releases the connection. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		registered := s.State() >= StateSubscribed
		s.state.Store(int32(StateClosing))
		id, mb := s.id, s.mb
		s.mu.Unlock()

		if registered {
			_, err := s.router.Disconnect(id)
			switch {
			case registry.IsInvariant(err):
				log.Fatal().Err(err).Str("client_id", id.String()).Msg("registry and topic directory diverged")
			case err != nil:
				log.Error().Err(err).Str("client_id", id.String()).Msg("failed to unregister client")
			}
		}
		if mb != nil {
			mb.Close()
		}
		_ = s.conn.Close()

		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
}

// writer is the actor that owns the write side of the connection.
type writer struct {
	conn         Conn
	pingInterval time.Duration
	logger       zerolog.Logger
}

func (w *writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	var tick <-chan time.Time
	if w.pingInterval > 0 {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mb.Done():
			return nil
		case <-tick:
			if err := w.conn.Ping(); err != nil {
				return err
			}
		case msg := <-mb.Chan():
			var f message.Frame
			switch m := msg.(type) {
			case message.Message:
				f = message.ToFrame(m)
			case message.Frame:
				f = m
			default:
				w.logger.Warn().Msgf("writer received unknown message type: %T", m)
				continue
			}
			data, err := message.Encode(f)
			if err != nil {
				w.logger.Error().Err(err).Msg("failed to encode frame")
				continue
			}
			if err := w.conn.WriteMessage(data); err != nil {
				return err
			}
			w.logger.Debug().Bytes("frame", data).Msg("frame sent")
		}
	}
}
