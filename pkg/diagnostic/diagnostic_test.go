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

package diagnostic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/model"
)

func TestConsumeExtractsDiagnostics(t *testing.T) {
	stream := strings.Join([]string{
		`{"reason":"compiler-message","message":{"level":"error","code":{"code":"E0425"},"message":"cannot find value ` + "`old`" + `","rendered":"error[E0425]: cannot find value\n","spans":[{"file_name":"src/lib.rs","line_start":10,"column_start":5,"is_primary":true}]}}`,
		`{"reason":"build-script-executed","linked_libs":[]}`,
		`not json at all`,
		`{"reason":"compiler-message","message":{"level":"warning","message":"unused import","rendered":"warning: unused import\n","spans":[]}}`,
	}, "\n")

	e := New(0)
	require.NoError(t, e.Consume(strings.NewReader(stream)))

	diags, overflow := e.Diagnostics()
	require.Len(t, diags, 2)
	assert.Equal(t, 0, overflow)
	assert.Equal(t, model.LevelError, diags[0].Level)
	assert.Equal(t, "E0425", diags[0].Code)
	require.NotNil(t, diags[0].PrimarySpan)
	assert.Equal(t, "src/lib.rs", diags[0].PrimarySpan.File)
	assert.Equal(t, model.LevelWarning, diags[1].Level)
}

func TestConsumeCapsWithOverflowCounter(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`{"reason":"compiler-message","message":{"level":"error","message":"e","rendered":"e"}}` + "\n")
	}

	e := New(2)
	require.NoError(t, e.Consume(strings.NewReader(b.String())))

	diags, overflow := e.Diagnostics()
	assert.Len(t, diags, 2)
	assert.Equal(t, 3, overflow)
}

func TestConsumeIgnoresNonDiagnosticReasons(t *testing.T) {
	e := New(0)
	require.NoError(t, e.Consume(strings.NewReader(`{"reason":"build-finished","success":true}`)))
	diags, overflow := e.Diagnostics()
	assert.Empty(t, diags)
	assert.Equal(t, 0, overflow)
}

func TestConsumeIgnoresNoteAndHelpMessages(t *testing.T) {
	stream := strings.Join([]string{
		`{"reason":"compiler-message","message":{"level":"note","message":"some extra context","rendered":"note: some extra context\n"}}`,
		`{"reason":"compiler-message","message":{"level":"help","message":"try this instead","rendered":"help: try this instead\n"}}`,
		`{"reason":"compiler-message","message":{"level":"warning","message":"unused import","rendered":"warning: unused import\n"}}`,
	}, "\n")

	e := New(0)
	require.NoError(t, e.Consume(strings.NewReader(stream)))

	diags, overflow := e.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, 0, overflow)
	assert.Equal(t, model.LevelWarning, diags[0].Level)
}
