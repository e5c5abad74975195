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

// Package router validates addressing, enforces the one-directional policy
// between the administrator and clients, fans messages out to sessions and
// keeps the acknowledgment tracker up to date.
//
// Clients may address their own topic, reply to a message the administrator
// sent them, and acknowledge messages they received. Everything else,
// including any attempt to reach another client directly, is rejected.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/metrics"
	"github.com/turtacn/morpheus-go/pkg/registry"
	"github.com/turtacn/morpheus-go/pkg/topic"
	"golang.org/x/sync/errgroup"
)

// Receipt describes the outcome of a routed message. Recipients are the
// identities whose delivery handle accepted the message; Dropped are those
// that vanished between resolution and delivery.
type Receipt struct {
	MessageID  uuid.UUID          `json:"message_id"`
	Kind       message.Kind       `json:"kind"`
	Recipients []message.ClientID `json:"recipients"`
	Dropped    []message.ClientID `json:"dropped,omitempty"`
	State      ack.State          `json:"state"`
}

// Delivered returns the number of recipients reached.
func (r Receipt) Delivered() int {
	return len(r.Recipients)
}

// Option configures a Router.
type Option func(*Router)

// WithAdminHandle sets the handle that replies addressed to the
// administrator are delivered to.
func WithAdminHandle(h registry.DeliveryHandle) Option {
	return func(r *Router) { r.admin = h }
}

// WithNotifier sets the consumer of router events.
func WithNotifier(n Notifier) Option {
	return func(r *Router) { r.notifier = n }
}

// WithDeliveryTimeout bounds how long a single recipient's full queue may
// hold up a fan-out. A delivery that times out is counted as dropped.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Router) { r.deliveryTimeout = d }
}

// Router is the message orchestrator. The registry and tracker are injected
// by reference and shared with every session.
type Router struct {
	reg             *registry.Registry
	tracker         *ack.Tracker
	admin           registry.DeliveryHandle
	notifier        Notifier
	deliveryTimeout time.Duration

	// adminMu orders administrative submissions so that sequence numbers
	// and per-recipient enqueue order agree.
	adminMu  sync.Mutex
	adminSeq message.Sequencer

	done     chan struct{}
	shutdown sync.Once
}

// New creates a Router over reg and tracker.
func New(reg *registry.Registry, tracker *ack.Tracker, opts ...Option) *Router {
	r := &Router{
		reg:             reg,
		tracker:         tracker,
		notifier:        nopNotifier{},
		deliveryTimeout: 5 * time.Second,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the client registry the router routes over.
func (r *Router) Registry() *registry.Registry {
	return r.reg
}

// Tracker returns the acknowledgment tracker.
func (r *Router) Tracker() *ack.Tracker {
	return r.tracker
}

// Route validates m against the addressing policy and delivers it.
func (r *Router) Route(ctx context.Context, m message.Message) (Receipt, error) {
	if m.Sender.IsAdmin() {
		r.adminMu.Lock()
		defer r.adminMu.Unlock()
	}
	return r.route(ctx, m)
}

func (r *Router) route(ctx context.Context, m message.Message) (Receipt, error) {
	if r.isShutdown() {
		return Receipt{}, r.reject(m, ErrShutdown)
	}

	if m.Mode.Kind == message.KindAck {
		return r.acknowledge(m)
	}
	if strings.TrimSpace(m.Payload) == "" {
		return Receipt{}, r.reject(m, ErrEmptyPayload)
	}
	if r.tracker.Status(m.ID) != ack.StateUnknown {
		return Receipt{}, r.reject(m, ack.ErrDuplicateMessage)
	}

	var (
		rc  Receipt
		err error
	)
	switch m.Mode.Kind {
	case message.KindReply:
		rc, err = r.reply(ctx, m)
	default:
		var ids []message.ClientID
		ids, err = r.recipients(m)
		if err == nil {
			rc = r.fanOut(ctx, m, ids)
		}
	}
	if err != nil {
		return Receipt{}, r.reject(m, err)
	}

	metrics.MessagesRouted.WithLabelValues(string(m.Mode.Kind)).Inc()
	log.Info().
		Str("msg_id", m.ID.String()).
		Str("sender", m.Sender.String()).
		Str("kind", string(m.Mode.Kind)).
		Str("topic", m.Mode.Topic).
		Int("delivered", rc.Delivered()).
		Int("dropped", len(rc.Dropped)).
		Msg("message routed")
	r.notify(Event{Type: EventRouted, Message: m, Receipt: rc})
	return rc, nil
}

// recipients applies the addressing policy and returns the identities a
// non-reply message should reach. The set is computed once.
func (r *Router) recipients(m message.Message) ([]message.ClientID, error) {
	switch m.Mode.Kind {
	case message.KindBroadcast:
		if !m.Sender.IsAdmin() {
			return nil, fmt.Errorf("%w: only the administrator may broadcast", ErrPolicyViolation)
		}
		return r.reg.IDs(), nil

	case message.KindTopic:
		if m.Mode.Topic == "" {
			return nil, fmt.Errorf("%w: topic message without a topic", message.ErrMalformedFrame)
		}
		if m.Sender.IsAdmin() {
			return r.reg.Subscribers(m.Mode.Topic), nil
		}
		rec, err := r.reg.Lookup(m.Sender.ID)
		if err != nil {
			return nil, err
		}
		if rec.Topic != m.Mode.Topic {
			return nil, fmt.Errorf("%w: client subscribed to %q may not send to %q", ErrPolicyViolation, rec.Topic, m.Mode.Topic)
		}
		subs := r.reg.Subscribers(m.Mode.Topic)
		ids := make([]message.ClientID, 0, len(subs))
		for _, id := range subs {
			if id != m.Sender.ID {
				ids = append(ids, id)
			}
		}
		return ids, nil

	case message.KindPrivate:
		if !m.Sender.IsAdmin() {
			return nil, fmt.Errorf("%w: clients may not address other clients", ErrPolicyViolation)
		}
		if _, err := r.reg.Lookup(m.Mode.Recipient); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, m.Mode.Recipient)
		}
		return []message.ClientID{m.Mode.Recipient}, nil

	default:
		return nil, fmt.Errorf("%w: kind %q cannot be routed", message.ErrMalformedFrame, m.Mode.Kind)
	}
}

// reply validates a client's answer to an administrative message and
// delivers it privately to the administrator.
func (r *Router) reply(ctx context.Context, m message.Message) (Receipt, error) {
	if m.Sender.IsAdmin() {
		return Receipt{}, fmt.Errorf("%w: only clients reply", ErrPolicyViolation)
	}
	parent := m.Mode.Parent
	entry, err := r.tracker.Addressed(parent, m.Sender.ID)
	switch {
	case errors.Is(err, ack.ErrUnknownMessage):
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownParentMessage, parent)
	case errors.Is(err, ack.ErrUnexpectedRecipient):
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotAddressedToSender, parent)
	case err != nil:
		return Receipt{}, err
	}
	if !entry.Origin.IsAdmin() {
		return Receipt{}, fmt.Errorf("%w: replies may only answer the administrator", ErrPolicyViolation)
	}

	// A reply implies receipt of its parent.
	r.recordAck(parent, m.Sender.ID)

	out := m
	out.Mode = message.Mode{Kind: message.KindPrivate, Recipient: message.AdminID, Parent: parent}

	rc := Receipt{MessageID: m.ID, Kind: m.Mode.Kind}
	if r.admin == nil {
		rc.Dropped = []message.ClientID{message.AdminID}
		return rc, nil
	}
	// Tracked before delivery so an immediate acknowledgment finds the entry.
	if err := r.tracker.RegisterPending(m, []message.ClientID{message.AdminID}); err != nil {
		return Receipt{}, err
	}
	if r.deliver(ctx, message.AdminID, r.admin, out) {
		rc.Recipients = []message.ClientID{message.AdminID}
		rc.State = r.tracker.Status(m.ID)
	} else {
		rc.Dropped = []message.ClientID{message.AdminID}
		rc.State = r.tracker.Drop(m.ID, rc.Dropped)
	}
	return rc, nil
}

// fanOut registers m as pending for every resolved recipient, pushes it onto
// their handles and then drops the recipients that did not accept it. Order
// across recipients is unspecified; the caller serializes messages from one
// sender, which keeps each recipient's queue in submission order.
func (r *Router) fanOut(ctx context.Context, m message.Message, ids []message.ClientID) Receipt {
	targets, missing := r.reg.Resolve(ids)

	// A recipient may acknowledge before the fan-out completes, so the entry
	// must exist before the first delivery.
	expected := make([]message.ClientID, len(targets))
	for i, t := range targets {
		expected[i] = t.ID
	}
	if err := r.tracker.RegisterPending(m, expected); err != nil {
		log.Error().Err(err).Str("msg_id", m.ID.String()).Msg("failed to track message")
	}

	accepted := make([]bool, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			accepted[i] = r.deliver(ctx, t.ID, t.Handle, m)
			return nil
		})
	}
	_ = g.Wait()

	rc := Receipt{
		MessageID:  m.ID,
		Kind:       m.Mode.Kind,
		Recipients: make([]message.ClientID, 0, len(targets)),
		Dropped:    missing,
	}
	var refused []message.ClientID
	for i, t := range targets {
		if accepted[i] {
			rc.Recipients = append(rc.Recipients, t.ID)
		} else {
			refused = append(refused, t.ID)
		}
	}
	rc.Dropped = append(rc.Dropped, refused...)
	for range missing {
		metrics.Deliveries.WithLabelValues("dropped").Inc()
	}

	rc.State = r.tracker.Drop(m.ID, refused)
	return rc
}

// deliver enqueues m for one recipient. A closed or stalled session is a
// silent drop.
func (r *Router) deliver(ctx context.Context, id message.ClientID, h registry.DeliveryHandle, m message.Message) bool {
	if r.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deliveryTimeout)
		defer cancel()
	}
	if err := h.Deliver(ctx, m); err != nil {
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		log.Debug().Err(err).Str("client_id", id.String()).Str("msg_id", m.ID.String()).Msg("delivery dropped")
		return false
	}
	metrics.Deliveries.WithLabelValues("enqueued").Inc()
	return true
}

func (r *Router) acknowledge(m message.Message) (Receipt, error) {
	by := m.Sender.ID
	if m.Sender.IsAdmin() {
		by = message.AdminID
	}
	state, err := r.tracker.RecordAck(m.Mode.Parent, by)
	if err != nil {
		return Receipt{}, r.reject(m, err)
	}
	metrics.Acknowledgments.WithLabelValues(state.String()).Inc()
	log.Info().
		Str("msg_id", m.Mode.Parent.String()).
		Str("client_id", m.Sender.String()).
		Str("state", state.String()).
		Msg("message acknowledged")
	r.notify(Event{Type: EventAcknowledged, MessageID: m.Mode.Parent, By: by, State: state})
	return Receipt{MessageID: m.Mode.Parent, Kind: message.KindAck, State: state}, nil
}

// recordAck acknowledges parent on behalf of a replying client.
func (r *Router) recordAck(parent uuid.UUID, by message.ClientID) {
	state, err := r.tracker.RecordAck(parent, by)
	if err != nil {
		return
	}
	metrics.Acknowledgments.WithLabelValues(state.String()).Inc()
	r.notify(Event{Type: EventAcknowledged, MessageID: parent, By: by, State: state})
}

func (r *Router) reject(m message.Message, err error) error {
	code := Code(err)
	metrics.Rejections.WithLabelValues(code).Inc()
	log.Warn().
		Err(err).
		Str("msg_id", m.ID.String()).
		Str("sender", m.Sender.String()).
		Str("kind", string(m.Mode.Kind)).
		Str("code", code).
		Msg("message rejected")
	r.notify(Event{Type: EventRejected, Message: m, Err: err})
	return err
}

func (r *Router) notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.notifier.Notify(e)
}

// Connect registers a client with its topic and delivery handle.
func (r *Router) Connect(id message.ClientID, topicName string, h registry.DeliveryHandle) (registry.ClientRecord, error) {
	if r.isShutdown() {
		return registry.ClientRecord{}, ErrShutdown
	}
	rec, err := r.reg.Register(id, topicName, h)
	if err != nil {
		return registry.ClientRecord{}, err
	}
	metrics.ActiveSessions.Inc()
	log.Info().Str("client_id", id.String()).Str("topic", topicName).Msg("client connected")
	r.notify(Event{Type: EventConnected, Client: rec})
	return rec, nil
}

// Disconnect removes a client. It returns registry.ErrNotFound if the client
// is not registered and an *registry.InvariantError if the topic directory
// disagreed with the registry.
func (r *Router) Disconnect(id message.ClientID) (registry.ClientRecord, error) {
	rec, err := r.reg.Unregister(id)
	if errors.Is(err, registry.ErrNotFound) {
		return rec, err
	}
	metrics.ActiveSessions.Dec()
	log.Info().Str("client_id", id.String()).Str("topic", rec.Topic).Msg("client disconnected")
	r.notify(Event{Type: EventDisconnected, Client: rec})
	return rec, err
}

// Broadcast sends text to every registered client.
func (r *Router) Broadcast(ctx context.Context, text string) (Receipt, error) {
	return r.submitAdmin(ctx, message.Broadcast(), text)
}

// SendTopic sends text to every member of topicName.
func (r *Router) SendTopic(ctx context.Context, topicName, text string) (Receipt, error) {
	return r.submitAdmin(ctx, message.ToTopic(topicName), text)
}

// SendPrivate sends text to a single client.
func (r *Router) SendPrivate(ctx context.Context, id message.ClientID, text string) (Receipt, error) {
	return r.submitAdmin(ctx, message.ToClient(id), text)
}

// AcknowledgeReply records that the administrator has seen a reply.
func (r *Router) AcknowledgeReply(ctx context.Context, msgID uuid.UUID) (ack.State, error) {
	rc, err := r.submitAdmin(ctx, message.AckOf(msgID), "")
	return rc.State, err
}

func (r *Router) submitAdmin(ctx context.Context, mode message.Mode, text string) (Receipt, error) {
	r.adminMu.Lock()
	defer r.adminMu.Unlock()
	m := message.New(message.Admin(), mode, text, r.adminSeq.Next())
	return r.route(ctx, m)
}

// ListClients returns every connected client in connection order.
func (r *Router) ListClients() []registry.ClientRecord {
	return r.reg.List()
}

// ListTopics returns the live topics with their member counts.
func (r *Router) ListTopics() []topic.Info {
	return r.reg.Topics()
}

// ListTopicClients returns the clients subscribed to topicName.
func (r *Router) ListTopicClients(topicName string) []registry.ClientRecord {
	return r.reg.ClientsInTopic(topicName)
}

// Status returns the acknowledgment entry for msgID.
func (r *Router) Status(msgID uuid.UUID) (ack.Entry, error) {
	return r.tracker.Get(msgID)
}

// Pending lists the messages still awaiting acknowledgment.
func (r *Router) Pending() []ack.Entry {
	return r.tracker.Pending()
}

// Shutdown stops accepting new connections and messages. Done is closed
// once; the owner of the router tears down transports in response.
func (r *Router) Shutdown() {
	r.shutdown.Do(func() {
		log.Info().Msg("router shutting down")
		close(r.done)
	})
}

// Done is closed when Shutdown has been called.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func (r *Router) isShutdown() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
