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

package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/model"
)

func withFakeOutput(p *Probe, output string) {
	p.exec = func(ctx context.Context, dir, name string, args []string) ([]byte, error) {
		return []byte(output), nil
	}
}

func TestProbeFindsLibrary(t *testing.T) {
	p := New("buildtool")
	withFakeOutput(p, `{
		"root": "dep",
		"nodes": [
			{"name": "dep", "version": "0.1.0", "dependencies": {"libA": "^1.0"}},
			{"name": "libA", "version": "1.2.3", "source": "registry"}
		]
	}`)

	report, err := p.Probe(context.Background(), "/ws", "libA")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", report.Resolved)
	assert.Equal(t, "^1.0", report.RequirementSpec)
	assert.Equal(t, model.ResolutionRegistry, report.Source)
	assert.True(t, report.IsPresent())
}

func TestProbeReturnsNotPresentWhenMissing(t *testing.T) {
	p := New("buildtool")
	withFakeOutput(p, `{"root": "dep", "nodes": [{"name": "dep", "version": "0.1.0"}]}`)

	report, err := p.Probe(context.Background(), "/ws", "libA")
	require.NoError(t, err)
	assert.False(t, report.IsPresent())
	assert.Equal(t, model.NotPresent, report.Resolved)
}

func TestProbeDetectsLocalSource(t *testing.T) {
	p := New("buildtool")
	withFakeOutput(p, `{
		"root": "dep",
		"nodes": [
			{"name": "dep", "version": "0.1.0", "dependencies": {"libA": "path"}},
			{"name": "libA", "version": "2.0.0", "source": "path"}
		]
	}`)

	report, err := p.Probe(context.Background(), "/ws", "libA")
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionLocal, report.Source)
}
