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

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/message"
	"golang.org/x/sync/errgroup"
)

const prompt = "> "

// Terminal runs the interactive client: server frames are printed and
// acknowledged, input lines are parsed as commands.
type Terminal struct {
	client *Client
	mu     sync.Mutex
	out    io.Writer
}

// NewTerminal creates a Terminal for c that prints to out.
func NewTerminal(c *Client, out io.Writer) *Terminal {
	return &Terminal{client: c, out: out}
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// Run processes input from in and frames from the server until the input
// ends, the server closes the connection or ctx is canceled. When the input
// ends the client disconnects cleanly.
func (t *Terminal) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	t.printf("\n[SYSTEM] Connected to topic '%s' as %s. Type /help for commands.\n%s", t.client.Topic(), t.client.ID(), prompt)

	g.Go(func() error {
		// The server going away ends the input loop too.
		defer cancel()
		for {
			f, err := t.client.Recv()
			if err != nil {
				if ctx.Err() != nil || t.client.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			if err := t.handleFrame(f); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		defer t.client.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					if err := t.client.Disconnect(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
						log.Debug().Err(err).Msg("disconnect failed")
					}
					return nil
				}
				if err := t.Execute(Parse(line)); err != nil {
					return err
				}
				t.printf("%s", prompt)
			}
		}
	})

	return g.Wait()
}

// Execute runs one input command.
func (t *Terminal) Execute(cmd Command) error {
	switch cmd := cmd.(type) {
	case Message:
		_, err := t.client.Send(cmd.Content)
		return err
	case Reply:
		_, err := t.client.Reply(cmd.MessageID, cmd.Content)
		return err
	case Help:
		t.printf("\n[SYSTEM] %s\n", helpText)
	case Unknown:
		if cmd.Reason != "" {
			t.printf("\n[ERROR] %s\n", cmd.Reason)
		}
	}
	return nil
}

// handleFrame prints a server frame and acknowledges deliverable messages.
func (t *Terminal) handleFrame(f message.Frame) error {
	switch f.Kind {
	case message.KindBroadcast:
		t.printf("\n[GLOBAL] (id: %s)\n%s\n%s", f.ID, f.Payload, prompt)
	case message.KindTopic:
		t.printf("\n[TOPIC:%s] (from: %s, id: %s)\n%s\n%s", f.Target, f.Sender, f.ID, f.Payload, prompt)
	case message.KindPrivate:
		t.printf("\n[PRIVATE] (id: %s)\n%s\n%s", f.ID, f.Payload, prompt)
	case message.KindReceipt:
		t.printf("\n[SYSTEM] Message %s delivered to %s recipients.\n%s", f.Target, f.Payload, prompt)
		return nil
	case message.KindError:
		t.printf("\n[SERVER ERROR] %s (%s)\n%s", f.Payload, f.Code, prompt)
		return nil
	default:
		log.Debug().Str("kind", string(f.Kind)).Msg("ignoring frame")
		return nil
	}
	return t.client.Ack(f.ID)
}
