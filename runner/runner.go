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

package runner

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/alwitt/wsbench/bench"
	"github.com/alwitt/wsbench/common"
	"github.com/alwitt/wsbench/metrics"
	"github.com/alwitt/wsbench/ramp"
	"github.com/alwitt/wsbench/session"
	"github.com/alwitt/wsbench/token"
	"github.com/alwitt/wsbench/wire"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RunParams defines one benchmark run
type RunParams struct {
	// Engine is the shared engine config
	Engine common.EngineConfig `json:"engine" validate:"required,dive"`
	// ScenarioID selects the workload pattern
	ScenarioID int `json:"scenario_id" validate:"required,gte=1"`
	// Schedule is the run's timed phases
	Schedule ramp.RunSchedule `json:"schedule" validate:"required,dive"`
}

// ScenarioRunner composes the engine components into one benchmark run for a
// given scenario and client count
type ScenarioRunner interface {
	// Run execute the full schedule and report the aggregated metrics. The
	// run always completes its schedule and always produces a snapshot, even
	// if every session failed; the returned error is reserved for engine
	// level fatal conditions.
	Run(ctxt context.Context) (metrics.Summary, error)
}

// scenarioRunnerImpl implements ScenarioRunner
type scenarioRunnerImpl struct {
	common.Component
	runID    string
	params   RunParams
	scenario bench.Scenario
}

// DefineScenarioRunner create a runner for one (scenario, client count) run.
// Configuration problems surface here, before any session is created.
func DefineScenarioRunner(params RunParams) (ScenarioRunner, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	scenario, err := bench.GetScenario(params.ScenarioID)
	if err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	logTags := log.Fields{
		"module": "runner", "component": "scenario-runner", "run": runID,
	}
	return &scenarioRunnerImpl{
		Component: common.Component{LogTags: logTags},
		runID:     runID,
		params:    params,
		scenario:  scenario,
	}, nil
}

// Run execute the full schedule and report the aggregated metrics
func (r *scenarioRunnerImpl) Run(ctxt context.Context) (metrics.Summary, error) {
	engine := r.params.Engine

	// An unresolvable host is fatal; session-level connect failures are not
	if _, err := net.LookupHost(engine.Target.Host); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to resolve %s", engine.Target.Host,
		)
		return metrics.Summary{}, err
	}

	pool, err := r.definePool()
	if err != nil {
		return metrics.Summary{}, err
	}
	generator, err := bench.DefineFilterGenerator(r.scenario, pool)
	if err != nil {
		return metrics.Summary{}, err
	}
	codec, err := wire.GetPusherCodec()
	if err != nil {
		return metrics.Summary{}, err
	}
	stats, err := metrics.GetMetricsAggregator(
		r.runID, r.scenario.ID, r.params.Schedule.Clients,
	)
	if err != nil {
		return metrics.Summary{}, err
	}

	sessionParams := session.SessionParams{
		Target:           engine.Target,
		Scenario:         r.scenario,
		Generator:        generator,
		Codec:            codec,
		Metrics:          stats,
		SubscribeTimeout: time.Second * time.Duration(engine.Session.SubscribeTimeout),
		UpdateInterval:   time.Millisecond * time.Duration(engine.Session.FilterUpdateInterval),
		InboundBuffer:    engine.Session.InboundBuffer,
	}
	runSession := func(sessCtxt context.Context, index int) {
		client, err := session.DefineSessionClient(index, sessionParams)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to define session")
			return
		}
		client.Run(sessCtxt)
	}

	controller, err := ramp.DefineRampController(r.runID, runSession, stats)
	if err != nil {
		return metrics.Summary{}, err
	}

	log.WithFields(r.LogTags).Infof(
		"Starting scenario %d (%s) with %d clients",
		r.scenario.ID, r.scenario.Label, r.params.Schedule.Clients,
	)
	result, err := controller.Start(ctxt, r.params.Schedule)
	if err != nil {
		return metrics.Summary{}, err
	}
	log.WithFields(r.LogTags).Infof(
		"Schedule complete: %d sessions started, %d force closed",
		result.SessionsStarted, result.SessionsForceClosed,
	)

	// Every session is terminal once Start returns, so the snapshot cannot
	// race in-flight writes
	return stats.Snapshot(), nil
}

// definePool build the token pool, falling back to a synthetic pool when the
// configured file is absent
func (r *scenarioRunnerImpl) definePool() (*token.Pool, error) {
	tokens := r.params.Engine.Tokens
	if tokens.File != "" {
		if _, err := os.Stat(tokens.File); err == nil {
			return token.LoadPoolFromFile(tokens.File)
		}
		log.WithFields(r.LogTags).Warnf(
			"Token file %s not found, generating synthetic pool", tokens.File,
		)
	}
	return token.GetSyntheticPool(tokens.SyntheticSize)
}

// Run execute one benchmark run end to end. This is the engine entry point
// the CLI layer consumes; durations are in seconds.
func Run(
	ctxt context.Context,
	engine common.EngineConfig,
	scenarioID int,
	clientCount int,
	rampUpSec int,
	holdSec int,
	rampDownSec int,
	graceSec int,
) (metrics.Summary, error) {
	runner, err := DefineScenarioRunner(RunParams{
		Engine:     engine,
		ScenarioID: scenarioID,
		Schedule: ramp.RunSchedule{
			Clients:  clientCount,
			RampUp:   time.Second * time.Duration(rampUpSec),
			Hold:     time.Second * time.Duration(holdSec),
			RampDown: time.Second * time.Duration(rampDownSec),
			Grace:    time.Second * time.Duration(graceSec),
		},
	})
	if err != nil {
		return metrics.Summary{}, err
	}
	return runner.Run(ctxt)
}
