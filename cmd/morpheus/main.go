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

// package main is the entrypoint for the morpheus relay server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/admin"
	"github.com/turtacn/morpheus-go/pkg/config"
	"github.com/turtacn/morpheus-go/pkg/console"
	"github.com/turtacn/morpheus-go/pkg/logging"
	"github.com/turtacn/morpheus-go/pkg/metrics"
	"github.com/turtacn/morpheus-go/pkg/monitor"
	"github.com/turtacn/morpheus-go/pkg/registry"
	"github.com/turtacn/morpheus-go/pkg/router"
	"github.com/turtacn/morpheus-go/pkg/supervisor"
	"github.com/turtacn/morpheus-go/pkg/transport"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0"

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "morpheus",
		Short:   "Morpheus message relay server",
		Version: version,
		Long: `Morpheus accepts WebSocket clients, subscribes each one to a single topic
and relays messages between them and the operator.

The operator drives the relay from the interactive console on stdin
(type /help) or from the REST admin API.`,
		SilenceUsage: true,
		RunE:         runServer,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "Configuration file (.yaml, .yml or .json)")
	flags.StringP("address", "a", "", "Listen address (overrides server.address)")
	flags.IntP("port", "p", 0, "Listen port (overrides server.port)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error (overrides log.level)")
	flags.String("log-file", "", "Write JSON logs to this file (overrides log.file)")
	flags.Bool("no-console", false, "Disable the interactive console")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a .yaml, .yml or .json file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)
	return rootCmd
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("address") {
		cfg.Server.Address, _ = flags.GetString("address")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	noConsole, _ := cmd.Flags().GetBool("no-console")

	// With the console on stdout and a log file configured, logs go only to
	// the file so they do not interleave with the prompt.
	var logConsole io.Writer = os.Stderr
	if !noConsole && cfg.Log.File != "" {
		logConsole = nil
	}
	logFile, err := logging.Setup(cfg.Log.Level, cfg.Log.File, logConsole)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, !noConsole, os.Stdin, cmd.OutOrStdout())
}

// run wires the relay together and blocks until a signal, /exit or the
// shutdown endpoint stops it.
func run(ctx context.Context, cfg *config.Config, withConsole bool, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := actor.NewMailbox(cfg.Session.MailboxSize)
	con := console.New(nil, out)
	r := router.New(registry.New(), ack.NewTracker(),
		router.WithAdminHandle(router.MailboxHandle(inbox)),
		router.WithNotifier(con),
		router.WithDeliveryTimeout(cfg.Router.DeliveryTimeout.Std()),
	)
	con.SetRouter(r)

	sup := supervisor.NewOneForOneSupervisor()
	specs := []supervisor.Spec{
		{ID: "admin-inbox", Actor: con, Restart: supervisor.RestartPermanent, Mailbox: inbox},
	}
	if cfg.Ack.Retention > 0 {
		specs = append(specs, supervisor.Spec{
			ID: "ack-janitor",
			Actor: &ack.Janitor{
				Tracker:   r.Tracker(),
				Retention: cfg.Ack.Retention.Std(),
				Interval:  cfg.Ack.SweepInterval.Std(),
			},
			Restart: supervisor.RestartPermanent,
			Mailbox: actor.NewMailbox(1),
		})
	}
	if err := sup.Start(ctx, specs); err != nil {
		return err
	}

	srv := transport.NewServer(r, sup, cfg.Transport(), cfg.SessionLimits())
	if err := srv.Start(); err != nil {
		cancel()
		sup.Wait()
		return fmt.Errorf("failed to start websocket server: %w", err)
	}
	log.Info().Str("version", version).Str("addr", srv.Addr().String()).Msg("morpheus relay started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.Done():
		}
		log.Info().Msg("shutting down")
		r.Shutdown()
		srv.Stop()
		cancel()
		return nil
	})
	if cfg.Admin.Enabled {
		checker := monitor.NewHealthChecker()
		checker.RegisterCheck("registry", r.Registry().Verify, true)
		g.Go(func() error {
			return admin.Serve(gctx, cfg.Admin.Address, r, checker)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Address)
		})
	}
	if withConsole {
		g.Go(func() error {
			if err := con.Run(gctx, in); err != nil {
				log.Warn().Err(err).Msg("console input failed")
			}
			return nil
		})
	}

	err := g.Wait()
	sup.Wait()
	inbox.Close()
	log.Info().Msg("morpheus relay stopped")
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
