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

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrMalformedFrame is returned when a frame cannot be decoded or is missing
// a field its kind requires.
var ErrMalformedFrame = errors.New("invalid message format")

// Frame is the self-describing record carried by one WebSocket text message.
type Frame struct {
	ID      string `json:"id,omitempty"`
	Kind    Kind   `json:"kind"`
	Target  string `json:"target,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Payload string `json:"payload,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	// Ref echoes the id of the client frame a receipt or error answers.
	Ref  string `json:"ref,omitempty"`
	Code string `json:"code,omitempty"`
}

// ToFrame renders a routed message for delivery to a client.
func ToFrame(m Message) Frame {
	f := Frame{
		ID:      m.ID.String(),
		Kind:    m.Mode.Kind,
		Sender:  m.Sender.String(),
		Payload: m.Payload,
		Seq:     m.Seq,
	}
	switch m.Mode.Kind {
	case KindTopic:
		f.Target = m.Mode.Topic
	case KindPrivate:
		f.Target = m.Mode.Recipient.String()
		if m.Mode.Parent != uuid.Nil {
			f.Ref = m.Mode.Parent.String()
		}
	case KindReply, KindAck:
		f.Target = m.Mode.Parent.String()
	}
	return f
}

// Welcome is the handshake answer carrying the identity assigned to a client.
func Welcome(id ClientID, topic string) Frame {
	return Frame{ID: uuid.NewString(), Kind: KindWelcome, Target: id.String(), Sender: "admin", Payload: topic}
}

// Receipt tells a client how many recipients its message reached.
func Receipt(msgID uuid.UUID, ref string, recipients int) Frame {
	return Frame{
		ID:      uuid.NewString(),
		Kind:    KindReceipt,
		Target:  msgID.String(),
		Sender:  "admin",
		Payload: strconv.Itoa(recipients),
		Ref:     ref,
	}
}

// Rejection reports a refused frame back to the client that sent it.
func Rejection(ref, code, reason string) Frame {
	return Frame{ID: uuid.NewString(), Kind: KindError, Sender: "admin", Ref: ref, Code: code, Payload: reason}
}

// TargetID parses the frame target as an identifier.
func (f Frame) TargetID() (uuid.UUID, error) {
	id, err := uuid.Parse(f.Target)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: target %q is not an id", ErrMalformedFrame, f.Target)
	}
	return id, nil
}

// Encode marshals a frame to its wire form.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode unmarshals and validates a frame received from a peer.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Kind {
	case KindConnect, KindBroadcast, KindTopic, KindPrivate, KindWelcome, KindReceipt, KindError, KindDisconnect:
		return nil
	case KindReply, KindAck:
		_, err := f.TargetID()
		return err
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}
}
