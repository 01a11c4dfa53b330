// Copyright 2022-2023 The wsbench Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ramp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/wsbench/common"
	"github.com/alwitt/wsbench/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// scheduleQuantum is how often the linear spawn / close target is re-evaluated
const scheduleQuantum = time.Millisecond * 50

// progressInterval is how often live progress is logged mid-run
const progressInterval = time.Second * 5

// RunSchedule defines the timed phases of one benchmark run
type RunSchedule struct {
	// Clients is the target number of concurrent sessions
	Clients int `json:"clients" validate:"required,gte=1"`
	// RampUp is the window session creation is spread evenly across
	RampUp time.Duration `json:"ramp_up" validate:"required,gt=0"`
	// Hold is the steady state window with all sessions active
	Hold time.Duration `json:"hold" validate:"gte=0"`
	// RampDown is the window session closure is spread evenly across
	RampDown time.Duration `json:"ramp_down" validate:"required,gt=0"`
	// Grace bounds the wait for sessions to confirm closure after ramp-down;
	// sessions still open past it are forcibly terminated and counted as errors
	Grace time.Duration `json:"grace" validate:"required,gt=0"`
}

// Total the hard overall bound on the run
func (s RunSchedule) Total() time.Duration {
	return s.RampUp + s.Hold + s.RampDown + s.Grace
}

// SessionRunner runs one session until it reaches a terminal state. It must
// honor context cancellation promptly, even while waiting on an ACK.
type SessionRunner func(ctxt context.Context, index int)

// RunResult reports how the schedule played out
type RunResult struct {
	// SessionsStarted is the number of sessions actually created
	SessionsStarted int `json:"sessions_started"`
	// SessionsForceClosed is the number of sessions that missed the grace
	// window and were forcibly terminated
	SessionsForceClosed int `json:"sessions_force_closed"`
}

// RampController brings the run from zero to N active sessions and back,
// following the schedule's three phases. Session failures never abort the
// schedule; they are recorded and the remaining schedule continues.
type RampController interface {
	// Start execute the full schedule, blocking until ramp-down completed and
	// every session confirmed closure, subject to the schedule's hard bound
	Start(ctxt context.Context, schedule RunSchedule) (RunResult, error)
}

// rampControllerImpl implements RampController
type rampControllerImpl struct {
	common.Component
	runSession SessionRunner
	stats      metrics.MetricsAggregator
	validate   *validator.Validate
	finished   int64
}

// DefineRampController create a ramp controller for one scenario run
func DefineRampController(
	runID string, runSession SessionRunner, stats metrics.MetricsAggregator,
) (RampController, error) {
	logTags := log.Fields{
		"module": "ramp", "component": "controller", "run": runID,
	}
	return &rampControllerImpl{
		Component:  common.Component{LogTags: logTags},
		runSession: runSession,
		stats:      stats,
		validate:   validator.New(),
	}, nil
}

// Start execute the full schedule
func (c *rampControllerImpl) Start(
	ctxt context.Context, schedule RunSchedule,
) (RunResult, error) {
	if err := c.validate.Struct(&schedule); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid run schedule")
		return RunResult{}, err
	}

	runCtxt, cancel := context.WithTimeout(ctxt, schedule.Total())
	defer cancel()

	supportWG := sync.WaitGroup{}
	progress, err := common.GetIntervalTimerInstance("progress", runCtxt, &supportWG)
	if err != nil {
		return RunResult{}, err
	}
	if err := progress.Start(progressInterval, c.logProgress, false); err != nil {
		return RunResult{}, err
	}
	defer func() {
		_ = progress.Stop()
		supportWG.Wait()
	}()

	wg := sync.WaitGroup{}
	sessionCancels := make([]context.CancelFunc, 0, schedule.Clients)

	// Ramp-up: spread session creation evenly across the window. The spawn
	// deficit against the linear target is re-checked every quantum, so the
	// cumulative count stays within one quantum of N*t/rampUp.
	log.WithFields(c.LogTags).Infof(
		"Ramping to %d sessions over %s", schedule.Clients, schedule.RampUp,
	)
	rampStart := time.Now()
	spawned := 0
	for spawned < schedule.Clients && runCtxt.Err() == nil {
		target := linearTarget(schedule.Clients, time.Since(rampStart), schedule.RampUp)
		for spawned < target {
			sessCtxt, sessCancel := context.WithCancel(runCtxt)
			sessionCancels = append(sessionCancels, sessCancel)
			index := spawned
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer atomic.AddInt64(&c.finished, 1)
				c.runSession(sessCtxt, index)
			}()
			spawned++
		}
		sleepFor(runCtxt, scheduleQuantum)
	}
	if remaining := schedule.RampUp - time.Since(rampStart); remaining > 0 {
		sleepFor(runCtxt, remaining)
	}
	log.WithFields(c.LogTags).Infof("Ramp up complete with %d sessions started", spawned)

	// Hold: steady state, no voluntary connects or disconnects
	log.WithFields(c.LogTags).Infof("Holding for %s", schedule.Hold)
	sleepFor(runCtxt, schedule.Hold)

	// Ramp-down: spread closure evenly across the window, closing in
	// creation order
	log.WithFields(c.LogTags).Infof(
		"Ramping down %d sessions over %s", spawned, schedule.RampDown,
	)
	downStart := time.Now()
	closed := 0
	for closed < len(sessionCancels) && runCtxt.Err() == nil {
		target := linearTarget(len(sessionCancels), time.Since(downStart), schedule.RampDown)
		for closed < target {
			sessionCancels[closed]()
			closed++
		}
		sleepFor(runCtxt, scheduleQuantum)
	}
	for ; closed < len(sessionCancels); closed++ {
		sessionCancels[closed]()
	}

	// Wait for every session to confirm closure, bounded by the grace window
	result := RunResult{SessionsStarted: spawned}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
		log.WithFields(c.LogTags).Info("All sessions confirmed closure")
	case <-time.After(schedule.Grace):
		stragglers := spawned - int(atomic.LoadInt64(&c.finished))
		log.WithFields(c.LogTags).Warnf(
			"%d sessions missed the grace window, forcing termination", stragglers,
		)
		for itr := 0; itr < stragglers; itr++ {
			c.stats.RecordConnectionError()
		}
		result.SessionsForceClosed = stragglers
		cancel()
	}
	return result, nil
}

// logProgress log the live counters
func (c *rampControllerImpl) logProgress() error {
	counts := c.stats.LiveCounts()
	log.WithFields(c.LogTags).Infof(
		"active=%d, subscribed=%d, errors=%d, messages=%d",
		counts.ActiveSessions,
		counts.SubscribeSuccess,
		counts.ConnectionErrors,
		counts.MessagesReceived,
	)
	return nil
}

// linearTarget the cumulative number of sessions that should have been
// started (or closed) once elapsed time has passed within the window.
// Monotonically non-decreasing in elapsed, and equal to total at the end of
// the window.
func linearTarget(total int, elapsed time.Duration, window time.Duration) int {
	if elapsed >= window {
		return total
	}
	if elapsed <= 0 {
		return 0
	}
	target := int(float64(total) * (float64(elapsed) / float64(window)))
	if target > total {
		target = total
	}
	return target
}

// sleepFor sleep unless the run context ends first
func sleepFor(ctxt context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	select {
	case <-ctxt.Done():
	case <-time.After(period):
	}
}
