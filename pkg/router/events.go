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
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/registry"
)

// EventType identifies what a router event reports.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventRouted
	EventAcknowledged
	EventRejected
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRouted:
		return "routed"
	case EventAcknowledged:
		return "acknowledged"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is a notification emitted by the router. Which fields are set
// depends on Type:
//
//	EventConnected, EventDisconnected: Client
//	EventRouted:       Message, Receipt
//	EventAcknowledged: MessageID, By, State
//	EventRejected:     Message, Err
type Event struct {
	Type      EventType
	At        time.Time
	Client    registry.ClientRecord
	Message   message.Message
	Receipt   Receipt
	MessageID uuid.UUID
	By        message.ClientID
	State     ack.State
	Err       error
}

// Notifier consumes router events. Notify is called synchronously on the
// routing path and must not call back into the router's admin operations.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
