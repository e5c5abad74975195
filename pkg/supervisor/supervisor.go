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

// package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors: session writers and background janitors.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

// Spec describes a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and metrics.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox to be used by the actor.
	Mailbox *actor.Mailbox
	// OnExit, if set, runs once the child has terminated for good.
	OnExit func(err error)
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	restartDelay time.Duration
	running      atomic.Int64
	wg           sync.WaitGroup
}

// Option configures a OneForOneSupervisor.
type Option func(*OneForOneSupervisor)

// WithRestartDelay sets the pause between a child's termination and its restart.
func WithRestartDelay(d time.Duration) Option {
	return func(s *OneForOneSupervisor) { s.restartDelay = d }
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{restartDelay: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.running.Add(1)
	s.wg.Add(1)
	go s.monitorChild(childCtx, cancel, spec)
}

// Running returns the number of children that have not terminated for good.
func (s *OneForOneSupervisor) Running() int {
	return int(s.running.Load())
}

// Wait blocks until every child has terminated for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	var err error
	defer func() {
		cancel()
		s.running.Add(-1)
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
		s.wg.Done()
	}()

	for {
		err = s.runOnce(ctx, spec)

		logger := log.With().Str("actor", spec.ID).Logger()
		if err != nil {
			logger.Debug().Err(err).Msg("actor terminated")
		}

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		logger.Warn().Err(err).Dur("delay", s.restartDelay).Msg("restarting actor")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runOnce launches the actor's Start method, converting a panic into an error.
func (s *OneForOneSupervisor) runOnce(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
