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

// Package orchestrator drives the regression matrix: for every dependent
// it runs a baseline build, then one build per offered version, reusing
// the dependent's workspace across both. Work is dispatched at the
// individual (dependent, offered) task granularity so unrelated
// dependents make progress concurrently, while a per-dependent lock and
// a baseline-completion signal keep the baseline-before-offered order
// and prevent two Build Runner invocations from sharing one workspace at
// once.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rdeps/crusader/pkg/classify"
	"github.com/rdeps/crusader/pkg/manifest"
	"github.com/rdeps/crusader/pkg/metrics"
	"github.com/rdeps/crusader/pkg/model"
	"github.com/rdeps/crusader/pkg/override"
	"github.com/rdeps/crusader/pkg/rowsink"
	"github.com/rdeps/crusader/pkg/tracing"
	"github.com/rdeps/crusader/pkg/workspace"
)

// Config controls matrix execution.
type Config struct {
	LibraryName string
	Mode        override.Mode
	// Jobs bounds the number of (dependent, offered) tasks executing at
	// once across the whole matrix. Defaults to 1 if zero.
	Jobs int
}

// Stager is the narrow workspace slice the orchestrator depends on.
type Stager interface {
	Stage(ctx context.Context, d model.Dependent) (workspace.Workspace, error)
}

// Runner is the narrow build-runner slice the orchestrator depends on.
type Runner interface {
	Run(ctx context.Context, workspaceDir string, directives []override.Directive) (model.PipelineOutcome, error)
}

// Prober is the narrow resolution-probe slice the orchestrator depends on.
type Prober interface {
	Probe(ctx context.Context, workspaceDir, libraryName string) (model.ResolutionReport, error)
}

// Orchestrator runs the full baseline x offered x dependent matrix.
type Orchestrator struct {
	cfg     Config
	stager  Stager
	lister  manifest.VersionLister
	runner  Runner
	probe   Prober
	sink    rowsink.Sink
	metrics *metrics.Metrics

	states sync.Map // map[string]*dependentState

	activeMu    sync.Mutex
	activeTasks int
}

// New creates an Orchestrator. metrics may be nil, in which case no
// Prometheus instruments are touched.
func New(cfg Config, stager Stager, lister manifest.VersionLister, run Runner, probe Prober, sink rowsink.Sink, m *metrics.Metrics) *Orchestrator {
	if cfg.Jobs <= 0 {
		cfg.Jobs = 1
	}
	return &Orchestrator{cfg: cfg, stager: stager, lister: lister, runner: run, probe: probe, sink: sink, metrics: m}
}

// dependentState is the per-dependent coordination and cache entry
// shared by a dependent's baseline task and all of its offered tasks.
type dependentState struct {
	mu           sync.Mutex
	baselineDone chan struct{}

	workspace       workspace.Workspace
	manifest        manifest.Manifest
	notADependent   bool
	stageErr        error
	baselineOutcome model.PipelineOutcome
	baselineBroken  bool
	baselineRowID   model.RowID
}

// task is one unit of work: a dependent's baseline build when offered is
// nil, otherwise a build substituting offered for the library under test.
type task struct {
	dependent model.Dependent
	offered   *model.OfferedVersion
}

// Summary tallies the verdicts emitted by one Run.
type Summary struct {
	Passed       int
	Regressed    int
	Broken       int
	Skipped      int
	HarnessError int
}

// HasRegression reports whether any row was classified Regressed, the
// signal the command-line surface maps to a non-zero, non-error exit
// code.
func (s Summary) HasRegression() bool {
	return s.Regressed > 0
}

// HasHarnessError reports whether any row could not be classified at
// all due to a harness-level failure.
func (s Summary) HasHarnessError() bool {
	return s.HarnessError > 0
}

// summaryAccumulator serializes Summary updates across workers.
type summaryAccumulator struct {
	mu sync.Mutex
	s  Summary
}

func (a *summaryAccumulator) add(kind model.VerdictKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch kind {
	case model.VerdictPassed:
		a.s.Passed++
	case model.VerdictRegressed:
		a.s.Regressed++
	case model.VerdictBroken:
		a.s.Broken++
	case model.VerdictSkipped:
		a.s.Skipped++
	case model.VerdictHarnessError:
		a.s.HarnessError++
	}
}

// Run stages and builds every dependent against the baseline and every
// requested offered version, emitting one Row per (dependent, baseline|
// offered) pair to the sink. It returns once every task has been
// processed or ctx is cancelled, whichever comes first.
func (o *Orchestrator) Run(ctx context.Context, runID uuid.UUID, dependents []model.Dependent, offered []model.OfferedVersion) (Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.Int("dependent_count", len(dependents)),
		attribute.Int("offered_count", len(offered)),
	))
	defer span.End()

	tasks := make([]task, 0, len(dependents)*(1+len(offered)))
	for _, d := range dependents {
		tasks = append(tasks, task{dependent: d})
		for i := range offered {
			tasks = append(tasks, task{dependent: d, offered: &offered[i]})
		}
	}

	taskCh := make(chan task, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	if o.metrics != nil {
		o.metrics.SetQueueDepth(len(tasks))
	}

	acc := &summaryAccumulator{}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Jobs; i++ {
		g.Go(func() error {
			for t := range taskCh {
				if ctx.Err() != nil {
					continue
				}
				if o.metrics != nil {
					o.metrics.SetActiveTasks(o.incActive(1))
				}
				o.processTask(ctx, runID, t, acc)
				if o.metrics != nil {
					o.metrics.SetActiveTasks(o.incActive(-1))
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return acc.s, err
}

// incActive tracks in-flight task count across worker goroutines purely
// for gauge reporting; it is not used for any control-flow decision.
func (o *Orchestrator) incActive(delta int) int {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	o.activeTasks += delta
	return o.activeTasks
}

func (o *Orchestrator) stateFor(d model.Dependent) *dependentState {
	v, _ := o.states.LoadOrStore(d.ID(), &dependentState{baselineDone: make(chan struct{})})
	return v.(*dependentState)
}

func (o *Orchestrator) processTask(ctx context.Context, runID uuid.UUID, t task, acc *summaryAccumulator) {
	log := clog.FromContext(ctx)
	state := o.stateFor(t.dependent)

	if t.offered == nil {
		o.runBaseline(ctx, runID, t.dependent, state, acc)
		return
	}

	select {
	case <-state.baselineDone:
	case <-ctx.Done():
		return
	}

	if state.stageErr != nil {
		o.emit(ctx, acc, o.harnessErrorRow(runID, t.dependent, state.baselineRowID, *t.offered, state.stageErr))
		return
	}
	if state.notADependent {
		o.emit(ctx, acc, o.verdictRow(runID, t.dependent, state.baselineRowID, *t.offered, model.ResolutionReport{}, model.PipelineOutcome{}, classify.NotADependent()))
		return
	}
	if state.baselineBroken {
		log.Debugf("dependent %s baseline is broken, marking offered %s broken without a build", t.dependent.ID(), t.offered)
		o.emit(ctx, acc, o.verdictRow(runID, t.dependent, state.baselineRowID, *t.offered, model.ResolutionReport{}, model.PipelineOutcome{}, model.Broken()))
		return
	}

	o.runOffered(ctx, runID, t.dependent, *t.offered, state, acc)
}

func (o *Orchestrator) runBaseline(ctx context.Context, runID uuid.UUID, d model.Dependent, state *dependentState, acc *summaryAccumulator) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.baseline", trace.WithAttributes(
		attribute.String("dependent", d.ID()),
	))
	defer span.End()
	defer close(state.baselineDone)

	timer := tracing.NewTimer(ctx, "baseline_pipeline")

	state.mu.Lock()
	defer state.mu.Unlock()

	ws, err := o.stager.Stage(ctx, d)
	if err != nil {
		state.stageErr = fmt.Errorf("orchestrator: staging %s: %w", d.ID(), err)
		tracing.RecordError(ctx, state.stageErr)
		row := o.harnessErrorRow(runID, d, "", model.OfferedVersion{}, state.stageErr)
		state.baselineRowID = row.ID
		o.emit(ctx, acc, row)
		return
	}
	state.workspace = ws

	m, err := manifest.LoadManifest(ws.RootDir)
	if err != nil {
		state.stageErr = fmt.Errorf("orchestrator: loading manifest for %s: %w", d.ID(), err)
		tracing.RecordError(ctx, state.stageErr)
		row := o.harnessErrorRow(runID, d, "", model.OfferedVersion{}, state.stageErr)
		state.baselineRowID = row.ID
		o.emit(ctx, acc, row)
		return
	}
	state.manifest = m

	if _, ok := m.Requirement(o.cfg.LibraryName); !ok {
		state.notADependent = true
		row := o.verdictRow(runID, d, "", model.OfferedVersion{}, model.ResolutionReport{}, model.PipelineOutcome{}, classify.NotADependent())
		state.baselineRowID = row.ID
		o.emit(ctx, acc, row)
		return
	}

	if o.lister != nil {
		lf, lfErr := manifest.LoadLockfile(ws.RootDir)
		if lfErr != nil {
			log := clog.FromContext(ctx)
			log.Warnf("dependent %s: loading lockfile: %v", d.ID(), lfErr)
		} else if baselineVersion, rbErr := manifest.ResolveBaseline(m, lf, o.cfg.LibraryName, o.lister); rbErr != nil {
			log := clog.FromContext(ctx)
			log.Warnf("dependent %s: resolving baseline version: %v", d.ID(), rbErr)
		} else {
			log := clog.FromContext(ctx)
			log.Debugf("dependent %s: baseline policy resolves %s to %s", d.ID(), o.cfg.LibraryName, baselineVersion)
		}
	}

	outcome, err := o.runner.Run(ctx, ws.RootDir, nil)
	if err != nil {
		state.stageErr = fmt.Errorf("orchestrator: baseline build for %s: %w", d.ID(), err)
		tracing.RecordError(ctx, state.stageErr)
		row := o.harnessErrorRow(runID, d, "", model.OfferedVersion{}, state.stageErr)
		state.baselineRowID = row.ID
		o.emit(ctx, acc, row)
		return
	}
	state.baselineOutcome = outcome
	state.baselineBroken = classify.BaselineBroken(outcome)

	var resolved model.ResolutionReport
	if outcome.Install.ExitOK {
		resolved, err = o.probe.Probe(ctx, ws.RootDir, o.cfg.LibraryName)
		if err != nil {
			log := clog.FromContext(ctx)
			log.Warnf("dependent %s: resolution probe after baseline failed: %v", d.ID(), err)
		}
	}

	verdict := model.Passed()
	if state.baselineBroken {
		verdict = model.Broken()
	}
	row := o.verdictRow(runID, d, "", model.OfferedVersion{}, resolved, outcome, verdict)
	state.baselineRowID = row.ID
	o.recordPhaseDurations(outcome)
	o.emit(ctx, acc, row)

	duration := timer.StopWithAttrs(attribute.String("dependent", d.ID()), attribute.Bool("broken", state.baselineBroken))
	if o.metrics != nil {
		o.metrics.RecordPipelineDuration(string(verdict.Kind), duration.Seconds())
	}
}

func (o *Orchestrator) runOffered(ctx context.Context, runID uuid.UUID, d model.Dependent, offered model.OfferedVersion, state *dependentState, acc *summaryAccumulator) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.offered", trace.WithAttributes(
		attribute.String("dependent", d.ID()),
		attribute.String("offered", offered.Identity()),
	))
	defer span.End()

	timer := tracing.NewTimer(ctx, "offered_pipeline")

	state.mu.Lock()
	defer state.mu.Unlock()

	directives, err := override.Plan(o.cfg.LibraryName, offered, o.cfg.Mode)
	if err != nil {
		o.emit(ctx, acc, o.harnessErrorRow(runID, d, state.baselineRowID, offered, fmt.Errorf("orchestrator: planning override for %s: %w", d.ID(), err)))
		return
	}

	outcome, err := o.runner.Run(ctx, state.workspace.RootDir, directives)
	if err != nil {
		o.emit(ctx, acc, o.harnessErrorRow(runID, d, state.baselineRowID, offered, fmt.Errorf("orchestrator: offered build for %s: %w", d.ID(), err)))
		return
	}

	var resolved model.ResolutionReport
	// matched defaults to true so an install failure unrelated to semver
	// surfaces as a regression rather than being mistaken for the
	// patch-mode semver-mismatch skip, which only applies once a
	// resolution was actually observed.
	matched := true
	if outcome.Install.ExitOK {
		resolved, err = o.probe.Probe(ctx, state.workspace.RootDir, o.cfg.LibraryName)
		if err != nil {
			log := clog.FromContext(ctx)
			log.Warnf("dependent %s: resolution probe after offered build failed: %v", d.ID(), err)
		} else {
			matched = resolutionMatches(resolved, offered)
		}
	}

	verdict := classify.Offered(outcome, o.cfg.Mode, matched)
	row := o.verdictRow(runID, d, state.baselineRowID, offered, resolved, outcome, verdict)
	o.recordPhaseDurations(outcome)
	o.emit(ctx, acc, row)

	duration := timer.StopWithAttrs(attribute.String("dependent", d.ID()), attribute.String("verdict", string(verdict.Kind)))
	if o.metrics != nil {
		o.metrics.RecordPipelineDuration(string(verdict.Kind), duration.Seconds())
	}
}

// resolutionMatches reports whether the Resolution Probe found the
// dependent actually resolved to the requested offered version. A local
// offered version matches if the probe saw a locally-sourced resolution
// at all; a published offered version must match the resolved version
// string exactly.
func resolutionMatches(resolved model.ResolutionReport, offered model.OfferedVersion) bool {
	if !resolved.IsPresent() {
		return false
	}
	if offered.Source == model.OfferedLocal {
		return resolved.Source == model.ResolutionLocal
	}
	return resolved.Resolved == offered.Version
}

func (o *Orchestrator) recordPhaseDurations(outcome model.PipelineOutcome) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordPhaseDuration(string(model.PhaseInstall), outcome.Install.WallTime.Seconds())
	if outcome.Check != nil {
		o.metrics.RecordPhaseDuration(string(model.PhaseCheck), outcome.Check.WallTime.Seconds())
	}
	if outcome.Test != nil {
		o.metrics.RecordPhaseDuration(string(model.PhaseTest), outcome.Test.WallTime.Seconds())
	}
}

func (o *Orchestrator) verdictRow(runID uuid.UUID, d model.Dependent, baselineRef model.RowID, offered model.OfferedVersion, resolved model.ResolutionReport, outcome model.PipelineOutcome, verdict model.Verdict) model.Row {
	var offeredPtr *model.OfferedVersion
	suffix := "baseline"
	if offered != (model.OfferedVersion{}) {
		ov := offered
		offeredPtr = &ov
		suffix = offered.Identity()
	}
	return model.Row{
		ID:          model.RowID(fmt.Sprintf("%s|%s|%s", d.ID(), suffix, runID)),
		RunID:       runID,
		Dependent:   d,
		Spec:        o.cfg.LibraryName,
		Resolved:    resolved,
		Offered:     offeredPtr,
		Verdict:     verdict,
		Pipeline:    outcome,
		BaselineRef: baselineRef,
		EmittedAt:   timeNow(),
	}
}

func (o *Orchestrator) harnessErrorRow(runID uuid.UUID, d model.Dependent, baselineRef model.RowID, offered model.OfferedVersion, err error) model.Row {
	return o.verdictRow(runID, d, baselineRef, offered, model.ResolutionReport{}, model.PipelineOutcome{}, model.HarnessError(err.Error()))
}

func (o *Orchestrator) emit(ctx context.Context, acc *summaryAccumulator, row model.Row) {
	log := clog.FromContext(ctx)
	if err := o.sink.Emit(ctx, row); err != nil {
		log.Errorf("orchestrator: emitting row %s: %v", row.ID, err)
	}
	acc.add(row.Verdict.Kind)
	if o.metrics != nil {
		o.metrics.RecordRow(string(row.Verdict.Kind))
	}
}

// timeNow is a seam so tests can observe deterministic EmittedAt values
// without depending on wall-clock time directly in assertions.
var timeNow = func() time.Time { return time.Now() }
