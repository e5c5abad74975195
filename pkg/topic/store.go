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

// Package topic provides the in-memory index from topic name to the
// identities of the clients subscribed to it. A topic exists only while it
// has members: it is created on the first Add and dropped when the last
// member is removed.
//
// A Store is not safe for concurrent use on its own. The client registry
// owns it and mutates it under the same lock as its client records, which
// is what keeps the two structures in agreement.
package topic

import (
	"fmt"
	"sort"

	"github.com/turtacn/morpheus-go/pkg/message"
)

// Info is a listing entry for one topic.
type Info struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// members keeps join order alongside an index for O(1) membership checks.
type members struct {
	order []message.ClientID
	index map[message.ClientID]int
}

// Store maps topic names to their member identities.
type Store struct {
	topics map[string]*members
}

// NewStore creates and initializes a new, empty topic Store.
func NewStore() *Store {
	return &Store{
		topics: make(map[string]*members),
	}
}

// Add puts id into the member set of name, creating the topic if needed.
// Adding an existing member is a no-op.
func (s *Store) Add(id message.ClientID, name string) {
	m, ok := s.topics[name]
	if !ok {
		m = &members{index: make(map[message.ClientID]int)}
		s.topics[name] = m
	}
	if _, exists := m.index[id]; exists {
		return
	}
	m.index[id] = len(m.order)
	m.order = append(m.order, id)
}

// Remove takes id out of the member set of name and drops the topic once it
// is empty. It returns an error if id was not a member, which callers treat
// as a broken registry/directory pairing.
func (s *Store) Remove(id message.ClientID, name string) error {
	m, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("topic %q has no members", name)
	}
	pos, ok := m.index[id]
	if !ok {
		return fmt.Errorf("client %s is not a member of topic %q", id, name)
	}

	m.order = append(m.order[:pos], m.order[pos+1:]...)
	delete(m.index, id)
	for i := pos; i < len(m.order); i++ {
		m.index[m.order[i]] = i
	}

	if len(m.order) == 0 {
		delete(s.topics, name)
	}
	return nil
}

// Subscribers returns a copy of the members of name in join order. An
// unknown topic yields an empty slice.
func (s *Store) Subscribers(name string) []message.ClientID {
	m, ok := s.topics[name]
	if !ok {
		return []message.ClientID{}
	}
	out := make([]message.ClientID, len(m.order))
	copy(out, m.order)
	return out
}

// Has reports whether id is a member of name.
func (s *Store) Has(id message.ClientID, name string) bool {
	m, ok := s.topics[name]
	if !ok {
		return false
	}
	_, ok = m.index[id]
	return ok
}

// Topics lists the live topics sorted by name.
func (s *Store) Topics() []Info {
	out := make([]Info, 0, len(s.topics))
	for name, m := range s.topics {
		out = append(out, Info{Name: name, Members: len(m.order)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of live topics.
func (s *Store) Len() int {
	return len(s.topics)
}
