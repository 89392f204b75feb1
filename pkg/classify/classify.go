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

// Package classify combines a baseline and offered pipeline outcome into
// a per-row verdict. It is a pure function of its inputs: no I/O, no
// goroutines, easy to exhaustively test.
package classify

import (
	"github.com/rdeps/crusader/pkg/model"
	"github.com/rdeps/crusader/pkg/override"
)

// BaselineBroken reports whether a baseline pipeline outcome means every
// offered row for the dependent must be classified Broken without
// running the Build Runner at all. A baseline is Broken if Install or
// Check failed; a failing Test phase with Install/Check both ok is also
// Broken for the dependent as a whole, per the tie-break rule: that is a
// pre-existing breakage the offered comparison cannot attribute.
func BaselineBroken(baseline model.PipelineOutcome) bool {
	if !baseline.Install.ExitOK {
		return true
	}
	if baseline.Check == nil || !baseline.Check.ExitOK {
		return true
	}
	if baseline.Test == nil || !baseline.Test.ExitOK {
		return true
	}
	return false
}

// Offered classifies one offered row. baseline must not be Broken
// (callers short-circuit that case via BaselineBroken before invoking
// the Build Runner at all). resolutionMatched reports whether the
// Resolution Probe found the dependent actually resolved to the
// requested offered version; it is only meaningful in Patch mode, since
// Force mode makes a semver mismatch expected rather than a Skip signal.
func Offered(offered model.PipelineOutcome, mode override.Mode, resolutionMatched bool) model.Verdict {
	if mode == override.Patch && !resolutionMatched {
		return model.Skipped("incompatible-semver")
	}
	if offered.AllOK() {
		return model.Passed()
	}
	return model.Regressed()
}

// NotADependent classifies a dependent whose manifest does not declare
// any dependency on the library under test at all, distinct from a
// dependency that happens not to resolve to it (that case is an
// incompatible-semver Skip, not this one).
func NotADependent() model.Verdict {
	return model.Skipped("not-a-dependent")
}
