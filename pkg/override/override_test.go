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

package override

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/model"
)

func TestPlanPublishedPatch(t *testing.T) {
	ds, err := Plan("libA", model.Published("2.0.0"), Patch)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "--patch", ds[0].Flag)
	assert.Equal(t, "libA=2.0.0", ds[0].Value)
}

func TestPlanPublishedForce(t *testing.T) {
	ds, err := Plan("libA", model.Published("2.0.0"), Force)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "--force", ds[0].Flag)
}

func TestPlanLocal(t *testing.T) {
	ds, err := Plan("libA", model.Local("/wip/libA", "this"), Patch)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "libA=path:/wip/libA", ds[0].Value)
}

func TestPlanRejectsEmptyVersion(t *testing.T) {
	_, err := Plan("libA", model.OfferedVersion{Source: model.OfferedPublished}, Patch)
	require.Error(t, err)
}

func TestArgsFlattensDirectives(t *testing.T) {
	ds, err := Plan("libA", model.Published("2.0.0"), Patch)
	require.NoError(t, err)
	assert.Equal(t, []string{"--patch", "libA=2.0.0"}, Args(ds))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "patch", Patch.String())
	assert.Equal(t, "force", Force.String())
}
