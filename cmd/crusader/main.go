// Copyright 2024 Chainguard, Inc.
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

// Command crusader regression-tests a library's reverse dependents
// against a baseline and an offered work-in-progress version.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/rdeps/crusader/pkg/cli"
)

// Exit codes, per the external interface contract: 0 means every row
// passed (or broke identically on both sides, so no regression was
// introduced), 2 means at least one dependent regressed, anything else
// means the harness itself failed to produce a verdict.
const (
	exitOK         = 0
	exitRegression = 2
	exitError      = 1
)

func main() {
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.New()
	root.SetContext(ctx)

	cmd, err := root.ExecuteC()
	if err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		os.Exit(exitError)
	}

	summary, ok := cli.SummaryFromContext(cmd.Context())
	if !ok {
		// A non-"run" command (e.g. --help, --version) exited cleanly
		// without producing a summary.
		os.Exit(exitOK)
	}

	switch {
	case summary.HasHarnessError():
		os.Exit(exitError)
	case summary.HasRegression():
		os.Exit(exitRegression)
	default:
		os.Exit(exitOK)
	}
}
