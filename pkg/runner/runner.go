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

// Package runner executes the three-phase Install/Check/Test build
// pipeline inside a workspace, with structured-message capture, a
// per-phase timeout, and early stop on the first failing phase.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/rdeps/crusader/pkg/diagnostic"
	"github.com/rdeps/crusader/pkg/model"
	"github.com/rdeps/crusader/pkg/override"
)

// TailCap bounds how much of stdout/stderr is retained per phase, to cap
// memory regardless of how noisy a build is.
const TailCap = 64 * 1024

// DiagnosticCap is the per-phase diagnostic cap forwarded to the
// diagnostic Extractor.
const DiagnosticCap = diagnostic.DefaultCap

// step describes one phase's build-tool subcommand.
type step struct {
	phase      model.Phase
	subcommand string
}

// steps is the fixed, ordered pipeline: Install, then Check, then Test.
// Early stop means a later step only runs if every earlier step's
// ExitOK was true.
var steps = []step{
	{phase: model.PhaseInstall, subcommand: "fetch"},
	{phase: model.PhaseCheck, subcommand: "check"},
	{phase: model.PhaseTest, subcommand: "test"},
}

// execer is the seam tests substitute to avoid spawning the real build
// tool: Run receives the same arguments exec.CommandContext would and
// must write stdout/stderr to the given writers.
type execer interface {
	Run(ctx context.Context, dir, name string, args []string, stdout, stderr io.Writer) error
}

type osExecer struct{}

func (osExecer) Run(ctx context.Context, dir, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Runner executes the pipeline in a workspace with a given override set.
type Runner struct {
	// BuildTool is the executable invoked for each phase (e.g. the
	// registry's build-tool binary name).
	BuildTool string
	// PhaseTimeout bounds each phase invocation. Exceeding it kills the
	// subprocess and records the phase as failed with a timeout
	// diagnostic.
	PhaseTimeout time.Duration
	// Features is forwarded to every phase invocation as a feature-set
	// list, unmodified.
	Features []string

	exec execer
}

// New creates a Runner that shells out to buildTool.
func New(buildTool string, phaseTimeout time.Duration, features []string) *Runner {
	return &Runner{BuildTool: buildTool, PhaseTimeout: phaseTimeout, Features: features, exec: osExecer{}}
}

// Run executes Install, then Check, then Test in workspaceDir, stopping
// at the first phase whose ExitOK is false. directives are the override
// planner's output for this invocation; they are passed as command-line
// flags only, never written to a file in workspaceDir.
func (r *Runner) Run(ctx context.Context, workspaceDir string, directives []override.Directive) (model.PipelineOutcome, error) {
	log := clog.FromContext(ctx)

	var outcome model.PipelineOutcome
	for i, s := range steps {
		phaseOutcome, err := r.runPhase(ctx, workspaceDir, s, directives)
		if err != nil {
			return outcome, fmt.Errorf("runner: phase %s: %w", s.phase, err)
		}

		switch s.phase {
		case model.PhaseInstall:
			outcome.Install = phaseOutcome
		case model.PhaseCheck:
			outcome.Check = &phaseOutcome
		case model.PhaseTest:
			outcome.Test = &phaseOutcome
		}

		if !phaseOutcome.ExitOK {
			log.Debugf("phase %s failed, stopping pipeline early (skipping %d remaining phase(s))",
				s.phase, len(steps)-i-1)
			break
		}
	}
	return outcome, outcome.Validate()
}

func (r *Runner) runPhase(ctx context.Context, workspaceDir string, s step, directives []override.Directive) (model.PhaseOutcome, error) {
	phaseCtx := ctx
	var cancel context.CancelFunc
	if r.PhaseTimeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, r.PhaseTimeout)
		defer cancel()
	}

	args := buildArgs(s.subcommand, r.Features, directives)

	var stdout, stderr tailBuffer
	ext := diagnostic.New(DiagnosticCap)
	pr, pw := io.Pipe()
	stdoutMulti := io.MultiWriter(&stdout, pw)

	done := make(chan error, 1)
	go func() {
		done <- ext.Consume(pr)
	}()

	start := time.Now()
	runErr := r.exec.Run(phaseCtx, workspaceDir, r.BuildTool, args, stdoutMulti, &stderr)
	pw.Close()
	<-done
	wall := time.Since(start)

	diags, overflow := ext.Diagnostics()
	outcome := model.PhaseOutcome{
		Phase:               s.phase,
		WallTime:            wall,
		Diagnostics:         diags,
		DiagnosticsOverflow: overflow,
		StdoutTail:          stdout.Bytes(),
		StderrTail:          stderr.Bytes(),
	}

	if phaseCtx.Err() == context.DeadlineExceeded {
		outcome.ExitOK = false
		outcome.Diagnostics = append(outcome.Diagnostics, timeoutDiagnostic(s.phase, r.PhaseTimeout))
		return outcome, nil
	}
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok || (exitErr.ProcessState != nil && exitErr.ExitCode() == -1) {
			// Not a normal non-zero exit: the subprocess could not be
			// started or was killed by a signal. That is a
			// harness-level failure, not ordinary build-tool signal.
			// Stdout lines that do not decode as structured messages
			// are skipped by the extractor and do not fail the phase.
			return model.PhaseOutcome{}, fmt.Errorf("running %s: %w", s.subcommand, runErr)
		}
		outcome.ExitOK = false
		return outcome, nil
	}

	outcome.ExitOK = true
	return outcome, nil
}

func timeoutDiagnostic(phase model.Phase, timeout time.Duration) model.Diagnostic {
	msg := fmt.Sprintf("phase %s exceeded its %s timeout", phase, timeout)
	return model.Diagnostic{
		Level:    model.LevelError,
		Code:     "timeout",
		Message:  msg,
		Rendered: msg,
	}
}

func buildArgs(subcommand string, features []string, directives []override.Directive) []string {
	args := []string{subcommand, "--message-format=json"}
	if len(features) > 0 {
		args = append(args, "--features", joinFeatures(features))
	}
	args = append(args, override.Args(directives)...)
	return args
}

func joinFeatures(features []string) string {
	out := ""
	for i, f := range features {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// tailBuffer is an io.Writer that retains only the last TailCap bytes
// written to it, to cap memory regardless of build verbosity.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n, err := t.buf.Write(p)
	if t.buf.Len() > TailCap {
		excess := t.buf.Len() - TailCap
		t.buf.Next(excess)
	}
	return n, err
}

func (t *tailBuffer) Bytes() []byte {
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out
}
