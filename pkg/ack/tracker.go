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

// Package ack correlates routed messages with the acknowledgments and
// replies they receive. An entry is created for every message that reached
// at least one recipient, is updated as recipients confirm it, and stays
// readable after it resolves.
package ack

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/morpheus-go/pkg/message"
)

// Common tracker errors
var (
	ErrUnknownMessage      = errors.New("unknown message")
	ErrUnexpectedRecipient = errors.New("recipient was not expected to acknowledge this message")
	ErrDuplicateMessage    = errors.New("message is already tracked")
)

// State is the delivery state of a tracked message.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateResolved
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON listings.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = StatePending
	case "resolved":
		*s = StateResolved
	case "unknown":
		*s = StateUnknown
	default:
		return fmt.Errorf("unknown acknowledgment state %q", text)
	}
	return nil
}

// Entry is a snapshot of one tracked message.
type Entry struct {
	MessageID    uuid.UUID          `json:"message_id"`
	Origin       message.Sender     `json:"-"`
	Kind         message.Kind       `json:"kind"`
	Expected     []message.ClientID `json:"expected"`
	Acknowledged []message.ClientID `json:"acknowledged"`
	State        State              `json:"state"`
	CreatedAt    time.Time          `json:"created_at"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
}

type record struct {
	id         uuid.UUID
	origin     message.Sender
	kind       message.Kind
	expected   []message.ClientID
	expectSet  map[message.ClientID]struct{}
	acked      []message.ClientID
	ackedSet   map[message.ClientID]struct{}
	createdAt  time.Time
	resolvedAt time.Time
}

func (r *record) state() State {
	if len(r.ackedSet) == len(r.expectSet) {
		return StateResolved
	}
	return StatePending
}

func (r *record) snapshot() Entry {
	e := Entry{
		MessageID:    r.id,
		Origin:       r.origin,
		Kind:         r.kind,
		Expected:     append([]message.ClientID(nil), r.expected...),
		Acknowledged: append([]message.ClientID{}, r.acked...),
		State:        r.state(),
		CreatedAt:    r.createdAt,
	}
	if !r.resolvedAt.IsZero() {
		at := r.resolvedAt
		e.ResolvedAt = &at
	}
	return e
}

// Tracker holds the acknowledgment entries. It is safe for concurrent use and
// is guarded independently of the client registry.
type Tracker struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*record
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[uuid.UUID]*record),
		now:     time.Now,
	}
}

// RegisterPending starts tracking a routed message. An empty recipient set
// is not tracked.
func (t *Tracker) RegisterPending(m message.Message, expected []message.ClientID) error {
	if len(expected) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[m.ID]; exists {
		return ErrDuplicateMessage
	}

	r := &record{
		id:        m.ID,
		origin:    m.Sender,
		kind:      m.Mode.Kind,
		expectSet: make(map[message.ClientID]struct{}, len(expected)),
		ackedSet:  make(map[message.ClientID]struct{}),
		createdAt: t.now(),
	}
	for _, id := range expected {
		if _, dup := r.expectSet[id]; dup {
			continue
		}
		r.expectSet[id] = struct{}{}
		r.expected = append(r.expected, id)
	}
	t.entries[m.ID] = r
	return nil
}

// RecordAck marks recipient as having confirmed msgID and returns the
// resulting state. Repeating an acknowledgment returns the same state
// without counting it twice.
func (t *Tracker) RecordAck(msgID uuid.UUID, recipient message.ClientID) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[msgID]
	if !ok {
		return StateUnknown, ErrUnknownMessage
	}
	if _, ok := r.expectSet[recipient]; !ok {
		return r.state(), ErrUnexpectedRecipient
	}
	if _, done := r.ackedSet[recipient]; !done {
		r.ackedSet[recipient] = struct{}{}
		r.acked = append(r.acked, recipient)
		if r.state() == StateResolved {
			r.resolvedAt = t.now()
		}
	}
	return r.state(), nil
}

// Drop removes recipients that never received msgID from its expected set.
// An entry left with no expected recipients is deleted.
func (t *Tracker) Drop(msgID uuid.UUID, recipients []message.ClientID) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[msgID]
	if !ok {
		return StateUnknown
	}
	if len(recipients) == 0 {
		return r.state()
	}

	gone := make(map[message.ClientID]struct{}, len(recipients))
	for _, id := range recipients {
		gone[id] = struct{}{}
		delete(r.expectSet, id)
		delete(r.ackedSet, id)
	}
	r.expected = without(r.expected, gone)
	r.acked = without(r.acked, gone)

	if len(r.expectSet) == 0 {
		delete(t.entries, msgID)
		return StateUnknown
	}
	if r.state() == StateResolved && r.resolvedAt.IsZero() {
		r.resolvedAt = t.now()
	}
	return r.state()
}

func without(ids []message.ClientID, gone map[message.ClientID]struct{}) []message.ClientID {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := gone[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Status reports the state of msgID.
func (t *Tracker) Status(msgID uuid.UUID) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[msgID]
	if !ok {
		return StateUnknown
	}
	return r.state()
}

// Get returns a snapshot of the entry for msgID.
func (t *Tracker) Get(msgID uuid.UUID) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[msgID]
	if !ok {
		return Entry{}, ErrUnknownMessage
	}
	return r.snapshot(), nil
}

// Addressed returns the entry for msgID if recipient was one of its expected
// recipients, which is how a reply proves it answers a message it received.
func (t *Tracker) Addressed(msgID uuid.UUID, recipient message.ClientID) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[msgID]
	if !ok {
		return Entry{}, ErrUnknownMessage
	}
	if _, ok := r.expectSet[recipient]; !ok {
		return Entry{}, ErrUnexpectedRecipient
	}
	return r.snapshot(), nil
}

// Pending lists the unresolved entries, oldest first.
func (t *Tracker) Pending() []Entry {
	return t.list(func(r *record) bool { return r.state() == StatePending })
}

// All lists every entry, oldest first.
func (t *Tracker) All() []Entry {
	return t.list(func(*record) bool { return true })
}

// Prune drops entries created before cutoff and returns how many were
// removed. Nothing calls it unless a retention period is configured.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, r := range t.entries {
		if r.createdAt.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) list(keep func(*record) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, r := range t.entries {
		if keep(r) {
			out = append(out, r.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
