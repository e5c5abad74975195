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
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Command is one parsed line of client input.
type Command interface {
	command()
}

type (
	// Message sends text to the client's topic.
	Message struct {
		Content string
	}
	// Reply answers an administrator message.
	Reply struct {
		MessageID uuid.UUID
		Content   string
	}
	// Help prints the command reference.
	Help struct{}
	// Unknown is invalid input. Reason is empty for blank input.
	Unknown struct {
		Reason string
	}
)

func (Message) command() {}
func (Reply) command()   {}
func (Help) command()    {}
func (Unknown) command() {}

// Parse turns one line of input into a Command. Text that does not start
// with a slash is a topic message.
func Parse(input string) Command {
	input = strings.TrimSpace(input)
	if input == "" {
		return Unknown{}
	}
	if !strings.HasPrefix(input, "/") {
		return Message{Content: input}
	}

	parts := strings.SplitN(input, " ", 3)
	arg := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	switch parts[0] {
	case "/reply", "/r":
		rawID, content := arg(1), arg(2)
		if content == "" {
			return Unknown{Reason: "Reply content cannot be empty. Usage: /reply <msg_id> <content>"}
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return Unknown{Reason: fmt.Sprintf("Invalid message ID for reply: %s", rawID)}
		}
		return Reply{MessageID: id, Content: content}
	case "/help", "/h":
		return Help{}
	case "/msg", "/m":
		content := strings.TrimSpace(strings.Join(parts[1:], " "))
		if content == "" {
			return Unknown{Reason: "Message content cannot be empty."}
		}
		return Message{Content: content}
	default:
		return Unknown{Reason: fmt.Sprintf("Unknown command: %s", parts[0])}
	}
}

const helpText = `Commands:
/h, /help                  - Show this help message
/m, /msg <text>            - Send a message to the current topic
/r, /reply <msg_id> <text> - Reply to a message`
