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

// package main is the entrypoint for the neo interactive relay client.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/turtacn/morpheus-go/pkg/client"
	"github.com/turtacn/morpheus-go/pkg/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neo",
		Short: "Interactive client for the morpheus relay",
		Long: `Neo connects to a morpheus relay, subscribes to one topic and prints every
message it receives. Plain text is sent to the topic; type /help for commands.`,
		SilenceUsage: true,
		RunE:         runClient,
	}
	flags := cmd.Flags()
	flags.StringP("address", "a", "ws://localhost:8080", "Relay address")
	flags.String("path", "/ws", "WebSocket path on the relay")
	flags.StringP("topic", "t", "general", "Topic to subscribe to")
	flags.Duration("timeout", 10*time.Second, "Connection timeout")
	flags.String("log-level", "warn", "Log level")
	flags.String("log-file", "", "Write JSON logs to this file")
	return cmd
}

// endpoint joins the relay address and the WebSocket path. Addresses given
// without a scheme are treated as ws://.
func endpoint(address, path string) (string, error) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + address)
		if err != nil {
			return "", fmt.Errorf("invalid relay address %q: %w", address, err)
		}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in relay address", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}
	return u.String(), nil
}

func runClient(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	address, _ := flags.GetString("address")
	path, _ := flags.GetString("path")
	topicName, _ := flags.GetString("topic")
	timeout, _ := flags.GetDuration("timeout")
	level, _ := flags.GetString("log-level")
	logFile, _ := flags.GetString("log-file")

	closer, err := logging.Setup(level, logFile, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	target, err := endpoint(address, path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := client.Dial(dialCtx, target, topicName)
	cancel()
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", target, err)
	}

	err = client.NewTerminal(c, cmd.OutOrStdout()).Run(ctx, os.Stdin)
	fmt.Fprintln(cmd.OutOrStdout(), "\n[SYSTEM] Disconnected.")
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
