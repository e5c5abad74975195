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

// Package monitor provides health checking for the relay: named checks, some
// of them critical, plus a snapshot of runtime statistics.
package monitor

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Overall health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker provides health checking functionality
type HealthChecker struct {
	mu      sync.Mutex
	started time.Time
	checks  map[string]HealthCheck
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name      string
	CheckFunc func() error
	// Critical checks make the relay unhealthy when they fail; others only
	// degrade it.
	Critical bool
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// Healthy reports whether no critical check failed.
func (s HealthStatus) Healthy() bool {
	return s.Status != StatusUnhealthy
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// NewHealthChecker creates a new health checker instance with a default
// goroutine check.
func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
	}

	hc.RegisterCheck("goroutines", func() error {
		count := runtime.NumGoroutine()
		if count > 100000 {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a new health check, replacing one with the same
// name.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// Checks returns the registered check names in order.
func (hc *HealthChecker) Checks() []string {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mu.Unlock()

	results := make(map[string]CheckResult, len(checks))
	status := StatusHealthy
	for _, check := range checks {
		start := time.Now()
		err := check.CheckFunc()
		if d := time.Since(start); d > time.Second {
			log.Warn().Str("check", check.Name).Dur("took", d).Msg("slow health check")
		}

		if err == nil {
			results[check.Name] = CheckResult{Status: "passed", Critical: check.Critical}
			continue
		}
		results[check.Name] = CheckResult{Status: "failed", Message: err.Error(), Critical: check.Critical}
		if check.Critical {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	now := time.Now()
	return HealthStatus{
		Status:     status,
		Timestamp:  now,
		Uptime:     int64(now.Sub(hc.started).Seconds()),
		Checks:     results,
		SystemInfo: systemInfo(),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		GoVersion:  runtime.Version(),
	}
}
