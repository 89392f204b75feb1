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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/model"
)

func TestFakeClientRoundTrip(t *testing.T) {
	c := NewFakeClient()
	dep := model.Dependent{Name: "dep", Version: "1.0.0", Source: model.DependentRegistry}
	c.SetReverseDependents("widget", []model.Dependent{dep})
	c.SetVersions("widget", []string{"1.0.0", "1.1.0"})
	c.SetArchive("widget", "1.1.0", []byte("payload"))

	deps, err := c.ListReverseDependents(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, []model.Dependent{dep}, deps)

	versions, err := c.ListVersions("widget")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versions)

	data, err := c.DownloadArchive(context.Background(), "widget", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFakeClientDownloadArchiveMissing(t *testing.T) {
	c := NewFakeClient()
	_, err := c.DownloadArchive(context.Background(), "widget", "9.9.9")
	require.Error(t, err)
}

func TestFakeClientUnregisteredLibraryReturnsEmpty(t *testing.T) {
	c := NewFakeClient()
	deps, err := c.ListReverseDependents(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, deps)
}
