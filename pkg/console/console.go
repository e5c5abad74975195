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

// Package console is the administrator's interactive command surface. It
// parses slash commands, runs them against the router, and prints router
// events and replies addressed to the administrator.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/router"
)

const prompt = "morpheus> "

// Console executes administrator commands and prints notifications.
type Console struct {
	router *router.Router
	mu     sync.Mutex
	out    io.Writer
}

// New creates a Console that prints to out.
func New(r *router.Router, out io.Writer) *Console {
	return &Console{router: r, out: out}
}

// SetRouter attaches the router after construction, for when the router
// takes the console as its notifier. It must be called before Run or Start.
func (c *Console) SetRouter(r *router.Router) {
	c.router = r
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) system(format string, args ...any) {
	c.printf("\n[SYSTEM] "+format+"\n", args...)
}

func (c *Console) errorf(format string, args ...any) {
	c.printf("\n[ERROR] "+format+"\n", args...)
}

func (c *Console) sent(format string, args ...any) {
	c.printf("\n[SENT] "+format+"\n", args...)
}

// Run reads commands from in until /exit, end of input or ctx is canceled.
// /exit shuts the router down.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("%s", prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if exit := c.Execute(ctx, Parse(line)); exit {
				return nil
			}
			c.printf("%s", prompt)
		}
	}
}

// Execute runs one command and reports whether the console should stop.
func (c *Console) Execute(ctx context.Context, cmd Command) bool {
	switch cmd := cmd.(type) {
	case Help:
		c.printf("%s\n", helpText)
	case Exit:
		c.system("Shutting down.")
		c.router.Shutdown()
		return true
	case List:
		c.list(cmd)
	case Global:
		rc, err := c.router.Broadcast(ctx, cmd.Content)
		if err != nil {
			c.errorf("%v", err)
			return false
		}
		c.sent("Global message (id: %s) sent to %d clients: %s", rc.MessageID, rc.Delivered(), cmd.Content)
	case Topic:
		rc, err := c.router.SendTopic(ctx, cmd.Name, cmd.Content)
		if err != nil {
			c.errorf("%v", err)
			return false
		}
		c.sent("Message (id: %s) sent to topic '%s' (%d clients): %s", rc.MessageID, cmd.Name, rc.Delivered(), cmd.Content)
	case Private:
		rc, err := c.router.SendPrivate(ctx, cmd.ClientID, cmd.Content)
		if err != nil {
			c.errorf("%v", err)
			return false
		}
		if rc.Delivered() == 0 {
			c.errorf("Client %s is no longer reachable", cmd.ClientID)
			return false
		}
		c.sent("Private message (id: %s) sent to %s: %s", rc.MessageID, cmd.ClientID, cmd.Content)
	case Status:
		c.status(cmd)
	case Unknown:
		if cmd.Reason != "" {
			c.errorf("%s", cmd.Reason)
		}
	}
	return false
}

func (c *Console) list(cmd List) {
	switch cmd.Scope {
	case ListAll:
		clients := c.router.ListClients()
		c.printf("\nAll connected clients (%d):\n", len(clients))
		for _, rec := range clients {
			c.printf("- %s (Topic: %s, since %s)\n", rec.ID, rec.Topic, rec.ConnectedAt.Format(time.TimeOnly))
		}
	case ListTopics:
		topics := c.router.ListTopics()
		c.printf("\nActive topics (%d):\n", len(topics))
		for _, t := range topics {
			c.printf("- %s (%d clients)\n", t.Name, t.Members)
		}
	case ListTopic:
		clients := c.router.ListTopicClients(cmd.Topic)
		c.printf("\nClients in topic '%s' (%d):\n", cmd.Topic, len(clients))
		for _, rec := range clients {
			c.printf("- %s\n", rec.ID)
		}
	}
}

func (c *Console) status(cmd Status) {
	entry, err := c.router.Status(cmd.MessageID)
	if err != nil {
		c.errorf("Message %s: %v", cmd.MessageID, err)
		return
	}
	c.system("Message %s (%s): %s, %d/%d acknowledged",
		entry.MessageID, entry.Kind, entry.State, len(entry.Acknowledged), len(entry.Expected))
	for _, id := range entry.Expected {
		c.printf("- %s\n", recipientName(id))
	}
}

// Notify prints router events that concern the administrator.
func (c *Console) Notify(e router.Event) {
	switch e.Type {
	case router.EventConnected:
		c.system("Client %s connected to topic '%s'.", e.Client.ID, e.Client.Topic)
	case router.EventDisconnected:
		c.system("Client %s disconnected.", e.Client.ID)
	case router.EventAcknowledged:
		if e.By == message.AdminID {
			return
		}
		c.system("Message %s acknowledged by client %s.", e.MessageID, e.By)
	case router.EventRouted:
		if e.Message.Sender.IsAdmin() || e.Message.Mode.Kind != message.KindTopic {
			return
		}
		c.system("Client %s sent message to topic '%s' (%d recipients): %s",
			e.Message.Sender, e.Message.Mode.Topic, e.Receipt.Delivered(), e.Message.Payload)
	case router.EventRejected:
		if e.Message.Sender.IsAdmin() {
			return
		}
		c.system("Rejected %s from client %s: %v", e.Message.Mode.Kind, e.Message.Sender, e.Err)
	}
}

// Start drains the administrator's inbox: replies are printed and
// acknowledged. It implements actor.Actor.
func (c *Console) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrMailboxClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, ok := msg.(message.Message)
		if !ok {
			log.Warn().Msgf("console inbox received unknown message type: %T", msg)
			continue
		}
		c.printf("\n[REPLY to %s from %s]: %s\n", m.Mode.Parent, m.Sender, m.Payload)
		if _, err := c.router.AcknowledgeReply(ctx, m.ID); err != nil {
			log.Warn().Err(err).Str("msg_id", m.ID.String()).Msg("failed to acknowledge reply")
		}
	}
}

func recipientName(id message.ClientID) string {
	if id == message.AdminID {
		return "admin"
	}
	return id.String()
}
