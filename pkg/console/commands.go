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

package console

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Command is one parsed administrator instruction. The set of commands is
// closed; Parse never returns anything but the types below.
type Command interface {
	command()
}

// ListScope selects what /list prints.
type ListScope int

const (
	ListAll ListScope = iota
	ListTopics
	ListTopic
)

type (
	// Help prints the command reference.
	Help struct{}
	// Exit shuts the relay down.
	Exit struct{}
	// List prints clients or topics. Topic is set for ListTopic.
	List struct {
		Scope ListScope
		Topic string
	}
	// Global broadcasts to every client.
	Global struct {
		Content string
	}
	// Topic sends to every member of a topic.
	Topic struct {
		Name    string
		Content string
	}
	// Private sends to one client.
	Private struct {
		ClientID uuid.UUID
		Content  string
	}
	// Status prints the acknowledgment state of a message.
	Status struct {
		MessageID uuid.UUID
	}
	// Unknown is input that is not a valid command. Reason is empty for
	// blank input, which is ignored.
	Unknown struct {
		Reason string
	}
)

func (Help) command()    {}
func (Exit) command()    {}
func (List) command()    {}
func (Global) command()  {}
func (Topic) command()   {}
func (Private) command() {}
func (Status) command()  {}
func (Unknown) command() {}

// Parse turns one line of administrator input into a Command.
func Parse(input string) Command {
	parts := strings.SplitN(strings.TrimSpace(input), " ", 3)
	name := strings.ToLower(parts[0])
	arg := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	switch name {
	case "/help", "/h":
		return Help{}
	case "/exit", "/e":
		return Exit{}
	case "/list", "/l":
		switch scope := arg(1); scope {
		case "", "all":
			return List{Scope: ListAll}
		case "topics":
			return List{Scope: ListTopics}
		default:
			return List{Scope: ListTopic, Topic: scope}
		}
	case "/global", "/g":
		content := strings.TrimSpace(strings.Join(parts[1:], " "))
		if content == "" {
			return Unknown{Reason: "Global message content cannot be empty."}
		}
		return Global{Content: content}
	case "/topic", "/t":
		topicName, content := arg(1), arg(2)
		if topicName == "" || content == "" {
			return Unknown{Reason: "Usage: /topic <topic_name> <content>"}
		}
		return Topic{Name: topicName, Content: content}
	case "/private", "/p":
		rawID, content := arg(1), arg(2)
		if rawID == "" || content == "" {
			return Unknown{Reason: "Usage: /private <client_id> <content>"}
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return Unknown{Reason: fmt.Sprintf("Invalid client ID: %s", rawID)}
		}
		return Private{ClientID: id, Content: content}
	case "/status", "/s":
		rawID := arg(1)
		if rawID == "" {
			return Unknown{Reason: "Usage: /status <message_id>"}
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return Unknown{Reason: fmt.Sprintf("Invalid message ID: %s", rawID)}
		}
		return Status{MessageID: id}
	case "":
		return Unknown{}
	default:
		return Unknown{Reason: fmt.Sprintf("Unknown command: %s", name)}
	}
}

const helpText = `Available commands:
  /help, /h                          Show this help
  /list, /l [all|topics|<topic>]     List clients, topics, or the clients in a topic
  /global, /g <message>              Send a message to every client
  /topic, /t <topic> <message>       Send a message to a topic
  /private, /p <client_id> <message> Send a private message to a client
  /status, /s <message_id>           Show the acknowledgment state of a message
  /exit, /e                          Shut the server down`
