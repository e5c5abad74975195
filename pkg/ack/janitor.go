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

package ack

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/actor"
)

// Janitor is an actor that prunes tracker entries older than a retention
// period. It is only started when a retention period is configured.
type Janitor struct {
	Tracker   *Tracker
	Retention time.Duration
	Interval  time.Duration
}

// Start runs the prune loop until ctx is canceled. The mailbox is unused.
func (j *Janitor) Start(ctx context.Context, _ *actor.Mailbox) error {
	interval := j.Interval
	if interval <= 0 {
		interval = j.Retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := j.Tracker.Prune(now.Add(-j.Retention)); n > 0 {
				log.Debug().Int("pruned", n).Int("remaining", j.Tracker.Len()).Msg("pruned acknowledgment entries")
			}
		}
	}
}
