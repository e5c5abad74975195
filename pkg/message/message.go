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

// Package message defines the value types that flow through the relay: the
// routed Message, its addressing Mode and Sender, and the JSON Frame used on
// the wire. Messages are immutable values and are copied into every
// recipient's outbound queue.
package message

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientID is the identity assigned to a client when its connection is
// established. It is unique for the lifetime of the process.
type ClientID = uuid.UUID

// AdminID is the identity under which the administrative side receives
// replies and acknowledges them.
var AdminID = uuid.Nil

// Role distinguishes the administrative sender from subscribed clients.
type Role int

const (
	// RoleAdmin is the broker operator ("Morpheus").
	RoleAdmin Role = iota
	// RoleClient is a connected subscriber.
	RoleClient
)

// String returns the string representation of Role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Sender identifies who originated a message.
type Sender struct {
	Role Role
	ID   ClientID
}

// Admin returns the administrative sender.
func Admin() Sender {
	return Sender{Role: RoleAdmin, ID: AdminID}
}

// Client returns a client sender with the given identity.
func Client(id ClientID) Sender {
	return Sender{Role: RoleClient, ID: id}
}

// IsAdmin reports whether the sender holds the administrative role.
func (s Sender) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// String renders the sender the way it appears in the frame "sender" field.
func (s Sender) String() string {
	if s.Role == RoleAdmin {
		return "admin"
	}
	return s.ID.String()
}

// Kind is the addressing mode of a message, or the type of a control frame.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindTopic     Kind = "topic"
	KindPrivate   Kind = "private"
	KindReply     Kind = "reply"
	KindAck       Kind = "ack"

	// Control frames exchanged between a session and its peer. They never
	// reach the router as routed messages.
	KindConnect    Kind = "connect"
	KindWelcome    Kind = "welcome"
	KindReceipt    Kind = "receipt"
	KindError      Kind = "error"
	KindDisconnect Kind = "disconnect"
)

// Routable reports whether k is one of the addressing modes the router accepts.
func (k Kind) Routable() bool {
	switch k {
	case KindBroadcast, KindTopic, KindPrivate, KindReply, KindAck:
		return true
	}
	return false
}

// Mode is the addressing mode of a message. Only the field matching Kind is
// meaningful, except for a private delivery produced by a reply, which
// carries both Recipient and Parent.
type Mode struct {
	Kind      Kind
	Topic     string
	Recipient ClientID
	// Parent is the message being replied to or acknowledged.
	Parent uuid.UUID
}

// Broadcast addresses every registered client.
func Broadcast() Mode { return Mode{Kind: KindBroadcast} }

// ToTopic addresses every member of the named topic.
func ToTopic(name string) Mode { return Mode{Kind: KindTopic, Topic: name} }

// ToClient addresses a single client.
func ToClient(id ClientID) Mode { return Mode{Kind: KindPrivate, Recipient: id} }

// ReplyTo answers a message previously delivered to the sender.
func ReplyTo(parent uuid.UUID) Mode { return Mode{Kind: KindReply, Parent: parent} }

// AckOf confirms receipt of a message.
func AckOf(id uuid.UUID) Mode { return Mode{Kind: KindAck, Parent: id} }

// Message is an immutable routed message.
type Message struct {
	ID        uuid.UUID
	Sender    Sender
	Mode      Mode
	Payload   string
	Seq       uint64
	CreatedAt time.Time
}

// New creates a message with a fresh identifier.
func New(sender Sender, mode Mode, payload string, seq uint64) Message {
	return Message{
		ID:        uuid.New(),
		Sender:    sender,
		Mode:      mode,
		Payload:   payload,
		Seq:       seq,
		CreatedAt: time.Now(),
	}
}

// Sequencer hands out the monotonic creation order for a single sender.
// The zero value is ready to use and the first value returned is 1.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}
