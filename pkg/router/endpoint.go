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

	"github.com/google/uuid"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
)

// Endpoint is the router surface available to one client session. It stamps
// every message with the client's identity and its own sequence numbers, so
// callers must submit from a single goroutine to keep submission order.
type Endpoint struct {
	r   *Router
	id  message.ClientID
	seq message.Sequencer
}

// Endpoint returns the client operations for id.
func (r *Router) Endpoint(id message.ClientID) *Endpoint {
	return &Endpoint{r: r, id: id}
}

// ID returns the client identity the endpoint acts for.
func (e *Endpoint) ID() message.ClientID {
	return e.id
}

// Submit builds a message from this client and routes it.
func (e *Endpoint) Submit(ctx context.Context, mode message.Mode, payload string) (message.Message, Receipt, error) {
	m := message.New(message.Client(e.id), mode, payload, e.seq.Next())
	rc, err := e.r.Route(ctx, m)
	return m, rc, err
}

// SendToOwnTopic sends text to the other members of the client's topic.
func (e *Endpoint) SendToOwnTopic(ctx context.Context, text string) (Receipt, error) {
	rec, err := e.r.reg.Lookup(e.id)
	if err != nil {
		return Receipt{}, err
	}
	_, rc, err := e.Submit(ctx, message.ToTopic(rec.Topic), text)
	return rc, err
}

// Reply answers a message the administrator sent to this client.
func (e *Endpoint) Reply(ctx context.Context, parent uuid.UUID, text string) (Receipt, error) {
	_, rc, err := e.Submit(ctx, message.ReplyTo(parent), text)
	return rc, err
}

// Acknowledge confirms receipt of msgID.
func (e *Endpoint) Acknowledge(ctx context.Context, msgID uuid.UUID) (ack.State, error) {
	_, rc, err := e.Submit(ctx, message.AckOf(msgID), "")
	return rc.State, err
}
