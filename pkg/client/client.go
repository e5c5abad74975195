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

// package client is the relay's client side: a WebSocket connection that
// subscribes to one topic, plus an interactive loop that acknowledges every
// message it receives.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/message"
)

const writeWait = 10 * time.Second

// ErrUnexpectedFrame is returned by Dial when the server answers the connect
// frame with something other than a welcome.
var ErrUnexpectedFrame = errors.New("unexpected frame")

// RejectedError is a rejection frame returned by the server.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Reason)
}

// Client is a connection to the relay subscribed to a single topic.
type Client struct {
	ws    *websocket.Conn
	id    message.ClientID
	topic string

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to url and subscribes to topicName.
func Dial(ctx context.Context, url, topicName string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{ws: ws, topic: topicName}

	if _, err := c.write(message.Frame{Kind: message.KindConnect, Target: topicName}); err != nil {
		ws.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	f, err := c.Recv()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		ws.Close()
		return nil, err
	}
	switch f.Kind {
	case message.KindWelcome:
	case message.KindError:
		ws.Close()
		return nil, &RejectedError{Code: f.Code, Reason: f.Payload}
	default:
		ws.Close()
		return nil, fmt.Errorf("%w: %q during handshake", ErrUnexpectedFrame, f.Kind)
	}

	id, err := f.TargetID()
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.id = id
	log.Info().Str("client_id", id.String()).Str("topic", topicName).Msg("connected")
	return c, nil
}

// ID returns the identity the server assigned.
func (c *Client) ID() message.ClientID {
	return c.id
}

// Topic returns the subscribed topic.
func (c *Client) Topic() string {
	return c.topic
}

// Send sends text to the other members of the client's topic and returns
// the frame id, which the server echoes in its receipt.
func (c *Client) Send(text string) (string, error) {
	return c.write(message.Frame{Kind: message.KindTopic, Target: c.topic, Payload: text})
}

// Reply answers a message the administrator sent.
func (c *Client) Reply(parent uuid.UUID, text string) (string, error) {
	return c.write(message.Frame{Kind: message.KindReply, Target: parent.String(), Payload: text})
}

// Ack acknowledges a received message.
func (c *Client) Ack(msgID string) error {
	_, err := c.write(message.Frame{Kind: message.KindAck, Target: msgID})
	return err
}

// Recv blocks for the next frame from the server.
func (c *Client) Recv() (message.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return message.Frame{}, err
	}
	return message.Decode(data)
}

// Disconnect tells the server the client is leaving and closes the
// connection.
func (c *Client) Disconnect() error {
	_, err := c.write(message.Frame{Kind: message.KindDisconnect})
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.ws.Close()
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) write(f message.Frame) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	data, err := message.Encode(f)
	if err != nil {
		return "", err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", err
	}
	return f.ID, nil
}
