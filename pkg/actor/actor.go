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

// Package actor provides the minimal actor primitives used by the relay: an
// Actor that runs until its context ends, and a bounded Mailbox that feeds it.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Send and Receive once the mailbox is closed.
var ErrMailboxClosed = errors.New("mailbox closed")

// Actor defines the interface for an actor process.
type Actor interface {
	// Start runs the actor, reading from mb until ctx is canceled or the
	// mailbox is closed. It blocks until the actor terminates.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded FIFO queue for an actor. Messages from one sender are
// received in the order they were sent. Closing a mailbox wakes every
// blocked sender and receiver; later sends fail instead of blocking.
type Mailbox struct {
	messages  chan any
	done      chan struct{}
	closeOnce sync.Once
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	if size < 0 {
		size = 0
	}
	return &Mailbox{
		messages: make(chan any, size),
		done:     make(chan struct{}),
	}
}

// Send puts a message into the mailbox. It waits for capacity and returns
// ctx.Err() if the context ends first, or ErrMailboxClosed if the mailbox
// is or becomes closed.
func (mb *Mailbox) Send(ctx context.Context, msg any) error {
	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}

	select {
	case <-mb.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// Receive blocks until a message is available, the context is canceled or
// the mailbox is closed. Messages still buffered when the mailbox closes are
// discarded.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-mb.done:
		return nil, ErrMailboxClosed
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-mb.done:
		return nil, ErrMailboxClosed
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Close closes the mailbox. It is safe to call more than once.
func (mb *Mailbox) Close() {
	mb.closeOnce.Do(func() { close(mb.done) })
}

// Done returns a channel that is closed when the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// Chan returns the underlying message channel for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of buffered messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
