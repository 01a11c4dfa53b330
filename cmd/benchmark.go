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

package cmd

import (
	"context"
	"fmt"

	"github.com/alwitt/wsbench/common"
	"github.com/alwitt/wsbench/runner"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// BenchmarkCLIArgs arguments
type BenchmarkCLIArgs struct {
	Scenario    int `validate:"required,gte=1"`
	Clients     int `validate:"required,gte=1"`
	RampUpSec   int `validate:"required,gte=1"`
	HoldSec     int `validate:"gte=0"`
	RampDownSec int `validate:"required,gte=1"`
	GraceSec    int `validate:"required,gte=1"`
}

// GetBenchmarkCLIFlags retrieve the set of CMD flags for the benchmark run
func GetBenchmarkCLIFlags(args *BenchmarkCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "scenario",
			Usage:       "Workload scenario ID (1-5)",
			Aliases:     []string{"s"},
			EnvVars:     []string{"SCENARIO"},
			Value:       1,
			DefaultText: "1",
			Destination: &args.Scenario,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "num-clients",
			Usage:       "Target number of concurrent client sessions",
			Aliases:     []string{"n"},
			EnvVars:     []string{"NUM_CLIENTS"},
			Value:       1000,
			DefaultText: "1000",
			Destination: &args.Clients,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "ramp-duration",
			Usage:       "Duration to ramp up to the target client count in seconds",
			EnvVars:     []string{"RAMP_DURATION"},
			Value:       30,
			DefaultText: "30",
			Destination: &args.RampUpSec,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "hold-duration",
			Usage:       "Duration to hold at the target client count in seconds",
			EnvVars:     []string{"HOLD_DURATION"},
			Value:       60,
			DefaultText: "60",
			Destination: &args.HoldSec,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "ramp-down-duration",
			Usage:       "Duration to ramp down in seconds",
			EnvVars:     []string{"RAMP_DOWN_DURATION"},
			Value:       10,
			DefaultText: "10",
			Destination: &args.RampDownSec,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "grace-period",
			Usage:       "Max wait for sessions to confirm closure after ramp down in seconds",
			EnvVars:     []string{"GRACE_PERIOD"},
			Value:       15,
			DefaultText: "15",
			Destination: &args.GraceSec,
			Required:    false,
		},
	}
}

// RunBenchmark run one benchmark scenario end to end
func RunBenchmark(
	params BenchmarkCLIArgs,
	instance string,
	engine common.EngineConfig,
	runTimeContext context.Context,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "benchmark",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	summary, err := runner.Run(
		runTimeContext,
		engine,
		params.Scenario,
		params.Clients,
		params.RampUpSec,
		params.HoldSec,
		params.RampDownSec,
		params.GraceSec,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Benchmark run failed")
		return err
	}

	// The summary goes to stdout for the external reporting layer to scrape
	fmt.Println("============================================================")
	fmt.Println("                    BENCHMARK SUMMARY")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Print(summary.String())
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("                   BENCHMARK COMPLETE")
	fmt.Println("============================================================")
	return nil
}
