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

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/registry"
)

// inbox records every message delivered to it.
type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (h *inbox) Deliver(_ context.Context, m message.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	return nil
}

func (h *inbox) messages() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Message(nil), h.msgs...)
}

type closedHandle struct{}

func (closedHandle) Deliver(context.Context, message.Message) error {
	return actor.ErrMailboxClosed
}

// ackingHandle acknowledges every message while it is being delivered, as a
// fast client would.
type ackingHandle struct {
	ack    func(ctx context.Context, id uuid.UUID) (ack.State, error)
	mu     sync.Mutex
	states []ack.State
	errs   []error
}

func (h *ackingHandle) Deliver(ctx context.Context, m message.Message) error {
	state, err := h.ack(ctx, m.ID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
	h.errs = append(h.errs, err)
	return nil
}

type fixture struct {
	router  *Router
	tracker *ack.Tracker
	admin   *inbox
	inboxes map[message.ClientID]*inbox
	events  []Event
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tracker: ack.NewTracker(),
		admin:   &inbox{},
		inboxes: make(map[message.ClientID]*inbox),
	}
	f.router = New(registry.New(), f.tracker,
		WithAdminHandle(f.admin),
		WithDeliveryTimeout(time.Second),
		WithNotifier(NotifierFunc(func(e Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
		})),
	)
	return f
}

func (f *fixture) connect(t *testing.T, topicName string) message.ClientID {
	t.Helper()
	id := uuid.New()
	h := &inbox{}
	_, err := f.router.Connect(id, topicName, h)
	require.NoError(t, err)
	f.inboxes[id] = h
	return id
}

func (f *fixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func TestScenario_TopicMessageAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")

	rc, err := f.router.SendTopic(ctx, "resistance", "wake up")
	require.NoError(t, err)
	assert.Equal(t, []message.ClientID{a}, rc.Recipients)
	assert.Equal(t, ack.StatePending, rc.State)

	got := f.inboxes[a].messages()
	require.Len(t, got, 1)
	assert.Equal(t, message.KindTopic, got[0].Mode.Kind)
	assert.Equal(t, "wake up", got[0].Payload)
	assert.True(t, got[0].Sender.IsAdmin())

	state, err := f.router.Endpoint(a).Acknowledge(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, state)

	entry, err := f.router.Status(got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, entry.State)
}

func TestScenario_ClientCannotMessageAnotherClient(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "resistance")
	b := f.connect(t, "general")

	_, _, err := f.router.Endpoint(b).Submit(context.Background(), message.ToClient(a), "hello neo")
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Empty(t, f.inboxes[a].messages())
	assert.Equal(t, 0, f.tracker.Len())
}

func TestScenario_GhostTopic(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "resistance")

	rc, err := f.router.SendTopic(context.Background(), "ghost", "anyone?")
	require.NoError(t, err)
	assert.Empty(t, rc.Recipients)
	assert.Equal(t, ack.StateUnknown, rc.State)
	assert.Equal(t, 0, f.tracker.Len())
}

func TestScenario_ReplyReachesAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")

	rc, err := f.router.SendPrivate(ctx, a, "follow the white rabbit")
	require.NoError(t, err)
	m1 := rc.MessageID

	reply, err := f.router.Endpoint(a).Reply(ctx, m1, "got it")
	require.NoError(t, err)
	assert.Equal(t, []message.ClientID{message.AdminID}, reply.Recipients)
	assert.Equal(t, ack.StatePending, reply.State)

	got := f.admin.messages()
	require.Len(t, got, 1)
	assert.Equal(t, message.KindPrivate, got[0].Mode.Kind)
	assert.Equal(t, a, got[0].Sender.ID)
	assert.False(t, got[0].Sender.IsAdmin())
	assert.Equal(t, m1, got[0].Mode.Parent)
	assert.Equal(t, "got it", got[0].Payload)

	// The reply doubles as an acknowledgment of the parent.
	assert.Equal(t, ack.StateResolved, f.tracker.Status(m1))

	state, err := f.router.AcknowledgeReply(ctx, reply.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, state)
}

func TestRouter_RoleModeMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")
	b := f.connect(t, "general")

	admin := message.Admin()
	client := message.Client(a)

	cases := []struct {
		name   string
		sender message.Sender
		mode   message.Mode
		err    error
	}{
		{"admin broadcast", admin, message.Broadcast(), nil},
		{"admin topic", admin, message.ToTopic("general"), nil},
		{"admin private", admin, message.ToClient(b), nil},
		{"admin private to unknown", admin, message.ToClient(uuid.New()), ErrUnknownRecipient},
		{"admin private to admin", admin, message.ToClient(message.AdminID), ErrUnknownRecipient},
		{"admin reply", admin, message.ReplyTo(uuid.New()), ErrPolicyViolation},
		{"client broadcast", client, message.Broadcast(), ErrPolicyViolation},
		{"client own topic", client, message.ToTopic("resistance"), nil},
		{"client other topic", client, message.ToTopic("general"), ErrPolicyViolation},
		{"client private to other", client, message.ToClient(b), ErrPolicyViolation},
		{"client private to self", client, message.ToClient(a), ErrPolicyViolation},
		{"client private to admin", client, message.ToClient(message.AdminID), ErrPolicyViolation},
		{"client reply to unknown", client, message.ReplyTo(uuid.New()), ErrUnknownParentMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := message.New(tc.sender, tc.mode, "payload", 1)
			_, err := f.router.Route(ctx, m)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRouter_ClientPrivateNeverDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []message.ClientID{f.connect(t, "x"), f.connect(t, "x"), f.connect(t, "y")}

	for _, from := range ids {
		for _, to := range ids {
			_, _, err := f.router.Endpoint(from).Submit(ctx, message.ToClient(to), "psst")
			assert.ErrorIs(t, err, ErrPolicyViolation)
		}
	}
	for _, id := range ids {
		assert.Empty(t, f.inboxes[id].messages())
	}
}

func TestRouter_ReplyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")
	b := f.connect(t, "resistance")

	toB, err := f.router.SendPrivate(ctx, b, "only for b")
	require.NoError(t, err)

	_, err = f.router.Endpoint(a).Reply(ctx, toB.MessageID, "not mine")
	assert.ErrorIs(t, err, ErrNotAddressedToSender)

	_, err = f.router.Endpoint(a).Reply(ctx, uuid.New(), "nothing")
	assert.ErrorIs(t, err, ErrUnknownParentMessage)

	// b's topic message reaches a, but a may not answer a peer.
	peer, err := f.router.Endpoint(b).SendToOwnTopic(ctx, "hi all")
	require.NoError(t, err)
	require.Equal(t, []message.ClientID{a}, peer.Recipients)
	_, err = f.router.Endpoint(a).Reply(ctx, peer.MessageID, "hi b")
	assert.ErrorIs(t, err, ErrPolicyViolation)

	assert.Empty(t, f.admin.messages())
}

func TestRouter_ClientTopicExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "resistance")
	b := f.connect(t, "resistance")
	c := f.connect(t, "general")

	rc, err := f.router.Endpoint(a).SendToOwnTopic(context.Background(), "there is no spoon")
	require.NoError(t, err)
	assert.Equal(t, []message.ClientID{b}, rc.Recipients)
	assert.Empty(t, f.inboxes[a].messages())
	assert.Len(t, f.inboxes[b].messages(), 1)
	assert.Empty(t, f.inboxes[c].messages())

	entry, err := f.router.Status(rc.MessageID)
	require.NoError(t, err)
	assert.False(t, entry.Origin.IsAdmin())
	assert.Equal(t, []message.ClientID{b}, entry.Expected)
}

func TestRouter_Acknowledgments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")
	b := f.connect(t, "resistance")

	rc, err := f.router.Broadcast(ctx, "wake up")
	require.NoError(t, err)
	assert.ElementsMatch(t, []message.ClientID{a, b}, rc.Recipients)

	state, err := f.router.Endpoint(a).Acknowledge(ctx, rc.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ack.StatePending, state)

	again, err := f.router.Endpoint(a).Acknowledge(ctx, rc.MessageID)
	require.NoError(t, err)
	assert.Equal(t, state, again)

	_, err = f.router.Endpoint(a).Acknowledge(ctx, uuid.New())
	assert.ErrorIs(t, err, ack.ErrUnknownMessage)

	stranger := f.connect(t, "late")
	_, err = f.router.Endpoint(stranger).Acknowledge(ctx, rc.MessageID)
	assert.ErrorIs(t, err, ack.ErrUnexpectedRecipient)

	state, err = f.router.Endpoint(b).Acknowledge(ctx, rc.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, state)
	assert.Empty(t, f.router.Pending())
}

func TestRouter_EmptyPayload(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "resistance")

	_, err := f.router.Broadcast(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Equal(t, CodeEmptyPayload, Code(err))
}

func TestRouter_DuplicateMessageRejected(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "resistance")
	m := message.New(message.Admin(), message.ToClient(a), "once", 1)

	_, err := f.router.Route(context.Background(), m)
	require.NoError(t, err)
	_, err = f.router.Route(context.Background(), m)
	assert.ErrorIs(t, err, ack.ErrDuplicateMessage)
	assert.Len(t, f.inboxes[a].messages(), 1)
}

func TestRouter_ClosedHandleIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")
	gone := uuid.New()
	_, err := f.router.Connect(gone, "resistance", closedHandle{})
	require.NoError(t, err)

	rc, err := f.router.SendTopic(ctx, "resistance", "wake up")
	require.NoError(t, err)
	assert.Equal(t, []message.ClientID{a}, rc.Recipients)
	assert.Equal(t, []message.ClientID{gone}, rc.Dropped)

	entry, err := f.router.Status(rc.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []message.ClientID{a}, entry.Expected)

	// A private message to a closed session is a no-op success.
	rc, err = f.router.SendPrivate(ctx, gone, "hello?")
	require.NoError(t, err)
	assert.Empty(t, rc.Recipients)
	assert.Equal(t, ack.StateUnknown, rc.State)
}

func TestRouter_AckDuringDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fast := uuid.New()
	h := &ackingHandle{ack: f.router.Endpoint(fast).Acknowledge}
	_, err := f.router.Connect(fast, "resistance", h)
	require.NoError(t, err)
	slow := f.connect(t, "resistance")
	gone := uuid.New()
	_, err = f.router.Connect(gone, "resistance", closedHandle{})
	require.NoError(t, err)

	rc, err := f.router.SendTopic(ctx, "resistance", "wake up")
	require.NoError(t, err)
	require.Len(t, h.errs, 1)
	assert.NoError(t, h.errs[0])
	assert.Equal(t, ack.StatePending, h.states[0])

	entry, err := f.router.Status(rc.MessageID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []message.ClientID{fast, slow}, entry.Expected)
	assert.Equal(t, []message.ClientID{fast}, entry.Acknowledged)

	state, err := f.router.Endpoint(slow).Acknowledge(ctx, rc.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, state)

	// Sole recipient acknowledging inside Deliver resolves at once.
	rc, err = f.router.SendPrivate(ctx, fast, "ping")
	require.NoError(t, err)
	assert.Equal(t, ack.StateResolved, rc.State)
	assert.NoError(t, h.errs[1])
}

func TestRouter_ReplyAcknowledgedDuringDelivery(t *testing.T) {
	tracker := ack.NewTracker()
	admin := &ackingHandle{}
	r := New(registry.New(), tracker, WithAdminHandle(admin))
	admin.ack = r.AcknowledgeReply
	ctx := context.Background()

	a := uuid.New()
	_, err := r.Connect(a, "resistance", &inbox{})
	require.NoError(t, err)
	parent, err := r.SendPrivate(ctx, a, "are you there?")
	require.NoError(t, err)

	reply, err := r.Endpoint(a).Reply(ctx, parent.MessageID, "yes")
	require.NoError(t, err)
	require.Len(t, admin.errs, 1)
	assert.NoError(t, admin.errs[0])
	assert.Equal(t, ack.StateResolved, reply.State)
	assert.Equal(t, ack.StateResolved, tracker.Status(parent.MessageID))
}

func TestRouter_PerRecipientFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")
	b := f.connect(t, "resistance")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := f.router.SendTopic(ctx, "resistance", fmt.Sprintf("%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, id := range []message.ClientID{a, b} {
		got := f.inboxes[id].messages()
		require.Len(t, got, 100)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Seq, got[i].Seq)
		}
	}

	// A single client's messages arrive in its own submission order.
	ep := f.router.Endpoint(a)
	for i := 0; i < 20; i++ {
		_, err := ep.SendToOwnTopic(ctx, fmt.Sprintf("%d", i))
		require.NoError(t, err)
	}
	var fromA []message.Message
	for _, m := range f.inboxes[b].messages() {
		if m.Sender.ID == a {
			fromA = append(fromA, m)
		}
	}
	require.Len(t, fromA, 20)
	for i, m := range fromA {
		assert.Equal(t, uint64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("%d", i), m.Payload)
	}
}

func TestRouter_ConnectDisconnect(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "resistance")

	_, err := f.router.Connect(a, "resistance", &inbox{})
	assert.ErrorIs(t, err, registry.ErrDuplicateIdentity)

	assert.Len(t, f.router.ListClients(), 1)
	assert.Len(t, f.router.ListTopicClients("resistance"), 1)
	require.Len(t, f.router.ListTopics(), 1)
	assert.Equal(t, "resistance", f.router.ListTopics()[0].Name)

	rec, err := f.router.Disconnect(a)
	require.NoError(t, err)
	assert.Equal(t, "resistance", rec.Topic)
	assert.Empty(t, f.router.ListTopics())

	_, err = f.router.Disconnect(a)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = f.router.Endpoint(a).SendToOwnTopic(context.Background(), "still here?")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, f.eventTypes())
}

func TestRouter_Events(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "resistance")

	rc, err := f.router.SendPrivate(ctx, a, "ping")
	require.NoError(t, err)
	_, err = f.router.Endpoint(a).Acknowledge(ctx, rc.MessageID)
	require.NoError(t, err)
	_, _, err = f.router.Endpoint(a).Submit(ctx, message.Broadcast(), "nope")
	require.Error(t, err)

	assert.Equal(t, []EventType{EventConnected, EventRouted, EventAcknowledged, EventRejected}, f.eventTypes())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, rc.MessageID, f.events[2].MessageID)
	assert.Equal(t, a, f.events[2].By)
	assert.ErrorIs(t, f.events[3].Err, ErrPolicyViolation)
	assert.False(t, f.events[3].At.IsZero())
}

func TestRouter_Shutdown(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "resistance")

	f.router.Shutdown()
	f.router.Shutdown()

	select {
	case <-f.router.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	_, err := f.router.Broadcast(context.Background(), "too late")
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = f.router.Connect(uuid.New(), "resistance", &inbox{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestMailboxHandle(t *testing.T) {
	mb := actor.NewMailbox(1)
	h := MailboxHandle(mb)
	m := message.New(message.Admin(), message.Broadcast(), "hi", 1)

	require.NoError(t, h.Deliver(context.Background(), m))
	got, err := mb.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	mb.Close()
	assert.ErrorIs(t, h.Deliver(context.Background(), m), actor.ErrMailboxClosed)
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{fmt.Errorf("%w: nope", ErrPolicyViolation), CodePolicyViolation},
		{ErrUnknownRecipient, CodeUnknownRecipient},
		{ErrUnknownParentMessage, CodeUnknownParentMessage},
		{ErrNotAddressedToSender, CodeNotAddressedToSender},
		{ErrRateLimited, CodeRateLimited},
		{ack.ErrUnknownMessage, CodeUnknownMessage},
		{ack.ErrUnexpectedRecipient, CodeUnexpectedRecipient},
		{registry.ErrDuplicateIdentity, CodeDuplicateIdentity},
		{message.ErrMalformedFrame, CodeMalformedFrame},
		{&registry.InvariantError{Op: "unregister", Err: registry.ErrNotFound}, CodeInternal},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, Code(tc.err), "error: %v", tc.err)
	}
}
