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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineOutcomeValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       PipelineOutcome
		wantErr bool
	}{
		{
			name: "install only",
			p:    PipelineOutcome{Install: PhaseOutcome{Phase: PhaseInstall, ExitOK: false}},
		},
		{
			name: "check without install ok",
			p: PipelineOutcome{
				Install: PhaseOutcome{Phase: PhaseInstall, ExitOK: false},
				Check:   &PhaseOutcome{Phase: PhaseCheck, ExitOK: true},
			},
			wantErr: true,
		},
		{
			name: "test without check",
			p: PipelineOutcome{
				Install: PhaseOutcome{Phase: PhaseInstall, ExitOK: true},
				Test:    &PhaseOutcome{Phase: PhaseTest, ExitOK: true},
			},
			wantErr: true,
		},
		{
			name: "test with failed check",
			p: PipelineOutcome{
				Install: PhaseOutcome{Phase: PhaseInstall, ExitOK: true},
				Check:   &PhaseOutcome{Phase: PhaseCheck, ExitOK: false},
				Test:    &PhaseOutcome{Phase: PhaseTest, ExitOK: true},
			},
			wantErr: true,
		},
		{
			name: "full pipeline ok",
			p: PipelineOutcome{
				Install: PhaseOutcome{Phase: PhaseInstall, ExitOK: true},
				Check:   &PhaseOutcome{Phase: PhaseCheck, ExitOK: true},
				Test:    &PhaseOutcome{Phase: PhaseTest, ExitOK: true},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPipelineOutcomeAllOK(t *testing.T) {
	ok := PipelineOutcome{
		Install: PhaseOutcome{ExitOK: true},
		Check:   &PhaseOutcome{ExitOK: true},
		Test:    &PhaseOutcome{ExitOK: true},
	}
	assert.True(t, ok.AllOK())

	noTest := PipelineOutcome{
		Install: PhaseOutcome{ExitOK: true},
		Check:   &PhaseOutcome{ExitOK: true},
	}
	assert.False(t, noTest.AllOK())
}

func TestOfferedVersionIdentityIgnoresLabel(t *testing.T) {
	a := Published("1.2.3")
	a.Label = "this"
	b := Published("1.2.3")
	b.Label = "other"
	assert.Equal(t, a.Identity(), b.Identity())

	local := Local("/tmp/wip", "this")
	assert.Equal(t, "local:/tmp/wip", local.Identity())
}

func TestResolutionReportIsPresent(t *testing.T) {
	assert.False(t, ResolutionReport{Resolved: NotPresent}.IsPresent())
	assert.True(t, ResolutionReport{Resolved: "1.0.0"}.IsPresent())
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "passed", Passed().String())
	assert.Equal(t, "skipped(incompatible-semver)", Skipped("incompatible-semver").String())
	assert.Equal(t, "harness_error(timeout)", HarnessError("timeout").String())
}

func TestDependentID(t *testing.T) {
	d := Dependent{Name: "foo", Version: "1.0.0"}
	assert.Equal(t, "foo@1.0.0", d.ID())
}

func TestLibraryUnderTestHasLocalTree(t *testing.T) {
	assert.False(t, LibraryUnderTest{Name: "lib"}.HasLocalTree())
	assert.True(t, LibraryUnderTest{Name: "lib", LocalPath: "/wip"}.HasLocalTree())
}
