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

// Package registry is the authoritative record of connected clients, their
// topic membership and how to reach them. It owns the topic directory and
// updates both under one lock, so a concurrent reader never observes a
// client that is registered but absent from its topic, or the reverse.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/topic"
)

// DeliveryHandle is the capability a session exposes for pushing messages
// onto its outbound queue. Implementations return nil once the message is
// enqueued. A handle whose session has closed must return an error rather
// than block.
type DeliveryHandle interface {
	Deliver(ctx context.Context, m message.Message) error
}

// ClientRecord is a snapshot of one registered client.
type ClientRecord struct {
	ID          message.ClientID `json:"id"`
	Topic       string           `json:"topic"`
	ConnectedAt time.Time        `json:"connected_at"`
	Handle      DeliveryHandle   `json:"-"`
}

// Target pairs a recipient identity with the handle used to reach it.
type Target struct {
	ID     message.ClientID
	Handle DeliveryHandle
}

type entry struct {
	record ClientRecord
	order  uint64
}

// Registry tracks connected clients and their topic membership.
type Registry struct {
	mu      sync.RWMutex
	clients map[message.ClientID]*entry
	topics  *topic.Store
	next    uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		clients: make(map[message.ClientID]*entry),
		topics:  topic.NewStore(),
	}
}

// Register adds a client and its topic membership in one step.
func (r *Registry) Register(id message.ClientID, topicName string, handle DeliveryHandle) (ClientRecord, error) {
	if id == message.AdminID {
		return ClientRecord{}, ErrReservedIdentity
	}
	if topicName == "" {
		return ClientRecord{}, ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[id]; exists {
		return ClientRecord{}, ErrDuplicateIdentity
	}

	rec := ClientRecord{
		ID:          id,
		Topic:       topicName,
		ConnectedAt: time.Now(),
		Handle:      handle,
	}
	r.next++
	r.clients[id] = &entry{record: rec, order: r.next}
	r.topics.Add(id, topicName)
	return rec, nil
}

// Unregister removes a client and purges it from its topic. If the directory
// did not list the client, the record is still removed and an
// *InvariantError is returned.
func (r *Registry) Unregister(id message.ClientID) (ClientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[id]
	if !ok {
		return ClientRecord{}, ErrNotFound
	}
	delete(r.clients, id)

	if err := r.topics.Remove(id, e.record.Topic); err != nil {
		return e.record, &InvariantError{Op: "unregister", Err: err}
	}
	return e.record, nil
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id message.ClientID) (ClientRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[id]
	if !ok {
		return ClientRecord{}, ErrNotFound
	}
	return e.record, nil
}

// List returns every record in registration order.
func (r *Registry) List() []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(*entry) bool { return true })
}

// ClientsInTopic returns the records of the members of a topic in
// registration order.
func (r *Registry) ClientsInTopic(name string) []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(e *entry) bool { return e.record.Topic == name })
}

// Subscribers returns the member identities of a topic. An unknown topic
// yields an empty set.
func (r *Registry) Subscribers(name string) []message.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics.Subscribers(name)
}

// Topics lists the live topics with their member counts.
func (r *Registry) Topics() []topic.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics.Topics()
}

// IDs returns the identities of every registered client in registration order.
func (r *Registry) IDs() []message.ClientID {
	recs := r.List()
	ids := make([]message.ClientID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

// Resolve maps identities to delivery handles. Identities that are no longer
// registered are returned separately so the caller can account for them.
func (r *Registry) Resolve(ids []message.ClientID) (targets []Target, missing []message.ClientID) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets = make([]Target, 0, len(ids))
	for _, id := range ids {
		e, ok := r.clients[id]
		if !ok || e.record.Handle == nil {
			missing = append(missing, id)
			continue
		}
		targets = append(targets, Target{ID: id, Handle: e.record.Handle})
	}
	return targets, missing
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Verify checks that the topic directory lists exactly the clients whose
// record names each topic.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expected := make(map[string]int)
	for id, e := range r.clients {
		if !r.topics.Has(id, e.record.Topic) {
			return &InvariantError{Op: "verify", Err: errMissingMember(id, e.record.Topic)}
		}
		expected[e.record.Topic]++
	}
	for _, info := range r.topics.Topics() {
		if expected[info.Name] != info.Members {
			return &InvariantError{Op: "verify", Err: errMemberCount(info.Name, info.Members, expected[info.Name])}
		}
	}
	return nil
}

func (r *Registry) sortedLocked(keep func(*entry) bool) []ClientRecord {
	entries := make([]*entry, 0, len(r.clients))
	for _, e := range r.clients {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	out := make([]ClientRecord, len(entries))
	for i, e := range entries {
		out[i] = e.record
	}
	return out
}
