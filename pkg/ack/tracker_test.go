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

package ack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/morpheus-go/pkg/message"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	a, b := uuid.New(), uuid.New()
	m := message.New(message.Admin(), message.Broadcast(), "wake up", 1)

	assert.Equal(t, StateUnknown, tr.Status(m.ID))

	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a, b}))
	assert.Equal(t, StatePending, tr.Status(m.ID))
	assert.ErrorIs(t, tr.RegisterPending(m, []uuid.UUID{a}), ErrDuplicateMessage)

	state, err := tr.RecordAck(m.ID, a)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	state, err = tr.RecordAck(m.ID, b)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)

	entry, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, entry.State)
	assert.Equal(t, []uuid.UUID{a, b}, entry.Acknowledged)
	assert.Equal(t, message.KindBroadcast, entry.Kind)
	assert.True(t, entry.Origin.IsAdmin())
	require.NotNil(t, entry.ResolvedAt)

	// Resolved entries are retained.
	assert.Equal(t, 1, tr.Len())
	assert.Empty(t, tr.Pending())
	assert.Len(t, tr.All(), 1)
}

func TestTracker_RecordAckIsIdempotent(t *testing.T) {
	tr := NewTracker()
	a, b := uuid.New(), uuid.New()
	m := message.New(message.Admin(), message.ToTopic("general"), "hi", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a, b}))

	first, err := tr.RecordAck(m.ID, a)
	require.NoError(t, err)
	second, err := tr.RecordAck(m.ID, a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, StatePending, second)

	entry, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Len(t, entry.Acknowledged, 1)

	_, err = tr.RecordAck(m.ID, b)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		state, err := tr.RecordAck(m.ID, b)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, state)
	}
	entry, err = tr.Get(m.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entry.Acknowledged), len(entry.Expected))
}

func TestTracker_Errors(t *testing.T) {
	tr := NewTracker()
	a := uuid.New()

	_, err := tr.RecordAck(uuid.New(), a)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	m := message.New(message.Admin(), message.ToClient(a), "psst", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a}))

	state, err := tr.RecordAck(m.ID, uuid.New())
	assert.ErrorIs(t, err, ErrUnexpectedRecipient)
	assert.Equal(t, StatePending, state)

	_, err = tr.Get(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestTracker_EmptyRecipientsNotTracked(t *testing.T) {
	tr := NewTracker()
	m := message.New(message.Admin(), message.ToTopic("ghost"), "anyone?", 1)

	require.NoError(t, tr.RegisterPending(m, nil))
	assert.Equal(t, StateUnknown, tr.Status(m.ID))
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_Addressed(t *testing.T) {
	tr := NewTracker()
	a, b := uuid.New(), uuid.New()
	m := message.New(message.Admin(), message.ToClient(a), "psst", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a}))

	entry, err := tr.Addressed(m.ID, a)
	require.NoError(t, err)
	assert.Equal(t, m.ID, entry.MessageID)

	_, err = tr.Addressed(m.ID, b)
	assert.ErrorIs(t, err, ErrUnexpectedRecipient)

	_, err = tr.Addressed(uuid.New(), a)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestTracker_DuplicateExpectedCollapsed(t *testing.T) {
	tr := NewTracker()
	a := uuid.New()
	m := message.New(message.Admin(), message.Broadcast(), "x", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a, a}))

	state, err := tr.RecordAck(m.ID, a)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
}

func TestTracker_Prune(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	old := message.New(message.Admin(), message.Broadcast(), "old", 1)
	require.NoError(t, tr.RegisterPending(old, []uuid.UUID{uuid.New()}))

	now = base.Add(time.Hour)
	fresh := message.New(message.Admin(), message.Broadcast(), "fresh", 2)
	require.NoError(t, tr.RegisterPending(fresh, []uuid.UUID{uuid.New()}))

	pending := tr.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, old.ID, pending[0].MessageID)

	assert.Equal(t, 1, tr.Prune(base.Add(30*time.Minute)))
	assert.Equal(t, StateUnknown, tr.Status(old.ID))
	assert.Equal(t, StatePending, tr.Status(fresh.ID))
}

func TestTracker_Drop(t *testing.T) {
	tr := NewTracker()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	m := message.New(message.Admin(), message.ToTopic("resistance"), "wake up", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{a, b, c}))

	// a acknowledges while c turns out to be gone.
	state, err := tr.RecordAck(m.ID, a)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	assert.Equal(t, StatePending, tr.Drop(m.ID, []uuid.UUID{c}))
	entry, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, entry.Expected)

	_, err = tr.RecordAck(m.ID, c)
	assert.ErrorIs(t, err, ErrUnexpectedRecipient)

	// Dropping the last unacknowledged recipient resolves the entry.
	assert.Equal(t, StateResolved, tr.Drop(m.ID, []uuid.UUID{b}))
	entry, err = tr.Get(m.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.ResolvedAt)

	assert.Equal(t, StateResolved, tr.Drop(m.ID, nil))
	assert.Equal(t, StateUnknown, tr.Drop(uuid.New(), []uuid.UUID{a}))

	// Nobody left to expect means nothing to track.
	ghost := message.New(message.Admin(), message.ToClient(a), "hello?", 2)
	require.NoError(t, tr.RegisterPending(ghost, []uuid.UUID{a}))
	assert.Equal(t, StateUnknown, tr.Drop(ghost.ID, []uuid.UUID{a}))
	assert.Equal(t, StateUnknown, tr.Status(ghost.ID))
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_ConcurrentAcks(t *testing.T) {
	tr := NewTracker()
	recipients := make([]uuid.UUID, 20)
	for i := range recipients {
		recipients[i] = uuid.New()
	}
	m := message.New(message.Admin(), message.Broadcast(), "x", 1)
	require.NoError(t, tr.RegisterPending(m, recipients))

	var wg sync.WaitGroup
	for _, id := range recipients {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := tr.RecordAck(m.ID, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	entry, err := tr.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, entry.State)
	assert.Len(t, entry.Acknowledged, len(recipients))
}

func TestJanitor(t *testing.T) {
	tr := NewTracker()
	m := message.New(message.Admin(), message.Broadcast(), "x", 1)
	require.NoError(t, tr.RegisterPending(m, []uuid.UUID{uuid.New()}))

	j := &Janitor{Tracker: tr, Retention: 10 * time.Millisecond, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx, nil) }()

	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "resolved", StateResolved.String())
	assert.Equal(t, "unknown", StateUnknown.String())

	text, err := StateResolved.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "resolved", string(text))
}
