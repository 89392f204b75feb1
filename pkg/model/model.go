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

// Package model defines the core value types shared by every stage of the
// regression matrix: the library under test, its dependents, the phase and
// pipeline outcomes a Build Runner produces, and the Row a Matrix
// Orchestrator hands to the row sink.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	purl "github.com/package-url/packageurl-go"
)

// LibraryUnderTest is the package whose candidate versions are being
// evaluated. It is built once at orchestration start and never mutated.
type LibraryUnderTest struct {
	Name            string
	BaselineVersion string
	// LocalPath is non-empty iff a work-in-progress tree exists on disk.
	LocalPath string
}

// HasLocalTree reports whether the library under test has a WIP tree.
func (l LibraryUnderTest) HasLocalTree() bool {
	return l.LocalPath != ""
}

// PURL returns the package-url identity of the baseline version.
func (l LibraryUnderTest) PURL(ecosystem string) string {
	return purl.NewPackageURL(ecosystem, "", l.Name, l.BaselineVersion, nil, "").String()
}

// OfferedSource distinguishes a registry-published offered version from a
// local work-in-progress tree.
type OfferedSource int

const (
	// OfferedPublished is a version published to the registry.
	OfferedPublished OfferedSource = iota
	// OfferedLocal is a local directory, typically the WIP tree.
	OfferedLocal
)

// OfferedVersion is a candidate library version substituted into a
// dependent's build. The orchestrator compares OfferedVersion values by
// (Source, Version, Path) identity; it never inspects Label.
type OfferedVersion struct {
	Source OfferedSource
	// Version holds the semver string when Source == OfferedPublished.
	Version string
	// Path holds the filesystem path when Source == OfferedLocal.
	Path string
	// Label is an opaque display string for the renderer (e.g. "this").
	Label string
}

// Published constructs a registry-sourced offered version.
func Published(version string) OfferedVersion {
	return OfferedVersion{Source: OfferedPublished, Version: version, Label: version}
}

// Local constructs a local-tree offered version.
func Local(path, label string) OfferedVersion {
	return OfferedVersion{Source: OfferedLocal, Path: path, Label: label}
}

// Identity returns a string that uniquely identifies this offered version
// for map keys and log lines, independent of Label.
func (o OfferedVersion) Identity() string {
	if o.Source == OfferedLocal {
		return "local:" + o.Path
	}
	return "published:" + o.Version
}

func (o OfferedVersion) String() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Identity()
}

// DependentSource distinguishes a registry-hosted dependent from one
// already present on disk.
type DependentSource int

const (
	// DependentRegistry means the dependent's archive must be fetched
	// through the Archive Store.
	DependentRegistry DependentSource = iota
	// DependentLocalPath means the dependent's tree is already on disk
	// and is mounted read-only.
	DependentLocalPath
)

// Dependent is a reverse dependency of the library under test. It is
// uniquely identified by (Name, Version).
type Dependent struct {
	Name    string
	Version string
	Source  DependentSource
	// LocalPath is set when Source == DependentLocalPath.
	LocalPath string
}

// ID returns the (name, version) identity used as a workspace and mutex
// key throughout the orchestrator.
func (d Dependent) ID() string {
	return d.Name + "@" + d.Version
}

// Phase identifies a stage of the build pipeline.
type Phase string

const (
	PhaseInstall Phase = "install"
	PhaseCheck   Phase = "check"
	PhaseTest    Phase = "test"
)

// DiagnosticLevel mirrors the build tool's compiler-message severities.
type DiagnosticLevel string

const (
	LevelError   DiagnosticLevel = "error"
	LevelWarning DiagnosticLevel = "warning"
	LevelNote    DiagnosticLevel = "note"
	LevelHelp    DiagnosticLevel = "help"
)

// Span locates a diagnostic in source.
type Span struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// Diagnostic is a single compiler message extracted from the build tool's
// structured-message stream.
type Diagnostic struct {
	Level       DiagnosticLevel `json:"level"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message"`
	PrimarySpan *Span           `json:"primary_span,omitempty"`
	// Rendered preserves the build tool's own formatted output verbatim.
	Rendered string `json:"rendered"`
}

// PhaseOutcome is the result of one phase invocation.
type PhaseOutcome struct {
	Phase       Phase
	ExitOK      bool
	WallTime    time.Duration
	Diagnostics []Diagnostic
	// DiagnosticsOverflow counts diagnostics dropped past the cap.
	DiagnosticsOverflow int
	StdoutTail          []byte
	StderrTail          []byte
}

// PipelineOutcome holds the per-phase outcomes of one pipeline run.
// Invariant: Check != nil only if Install.ExitOK; Test != nil only if
// Check != nil && Check.ExitOK.
type PipelineOutcome struct {
	Install PhaseOutcome
	Check   *PhaseOutcome
	Test    *PhaseOutcome
}

// Validate checks the early-stop invariant, returning an error describing
// the violation if it does not hold. The orchestrator treats a violation
// as a HarnessError with an "invariant" tag rather than trusting the row.
func (p PipelineOutcome) Validate() error {
	if p.Check != nil && !p.Install.ExitOK {
		return fmt.Errorf("model: invariant violated: check present but install failed")
	}
	if p.Test != nil && (p.Check == nil || !p.Check.ExitOK) {
		return fmt.Errorf("model: invariant violated: test present but check absent or failed")
	}
	return nil
}

// AllOK reports whether every phase present in the pipeline exited
// successfully and Test actually ran.
func (p PipelineOutcome) AllOK() bool {
	return p.Install.ExitOK && p.Check != nil && p.Check.ExitOK && p.Test != nil && p.Test.ExitOK
}

// ResolutionSource identifies where a resolved dependency version came
// from.
type ResolutionSource string

const (
	ResolutionRegistry ResolutionSource = "registry"
	ResolutionLocal    ResolutionSource = "local"
	ResolutionGit      ResolutionSource = "git"
)

// NotPresent is the sentinel resolved-version string used when the
// library under test does not appear in a dependent's resolved graph.
const NotPresent = ""

// ResolutionReport is produced by the Resolution Probe after a successful
// Install.
type ResolutionReport struct {
	RequirementSpec string
	// Resolved is the NotPresent sentinel if the library never appears
	// in the dependent's resolved dependency graph.
	Resolved string
	Source   ResolutionSource
}

// IsPresent reports whether the library under test appears in the
// resolved graph at all.
func (r ResolutionReport) IsPresent() bool {
	return r.Resolved != NotPresent
}

// VerdictKind enumerates the per-row classification outcomes.
type VerdictKind string

const (
	VerdictPassed       VerdictKind = "passed"
	VerdictRegressed    VerdictKind = "regressed"
	VerdictBroken       VerdictKind = "broken"
	VerdictSkipped      VerdictKind = "skipped"
	VerdictHarnessError VerdictKind = "harness_error"
)

// Verdict is the per-row classification. Reason is populated for Skipped
// and HarnessError.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return string(v.Kind)
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.Reason)
}

// Passed, Regressed and Broken are constructors for the reason-less
// verdict kinds; Skipped and HarnessError carry an explanatory reason.
func Passed() Verdict       { return Verdict{Kind: VerdictPassed} }
func Regressed() Verdict    { return Verdict{Kind: VerdictRegressed} }
func Broken() Verdict       { return Verdict{Kind: VerdictBroken} }
func Skipped(reason string) Verdict {
	return Verdict{Kind: VerdictSkipped, Reason: reason}
}
func HarnessError(reason string) Verdict {
	return Verdict{Kind: VerdictHarnessError, Reason: reason}
}

// RowID identifies a Row for baseline cross-referencing.
type RowID string

// Row is the immutable unit handed to the row sink. Offered is nil for a
// baseline row.
type Row struct {
	ID          RowID
	RunID       uuid.UUID
	Dependent   Dependent
	Spec        string
	Resolved    ResolutionReport
	Offered     *OfferedVersion
	Verdict     Verdict
	Pipeline    PipelineOutcome
	BaselineRef RowID
	EmittedAt   time.Time
}

// IsBaseline reports whether this row represents the baseline build
// (no offered version).
func (r Row) IsBaseline() bool {
	return r.Offered == nil
}
