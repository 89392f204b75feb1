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

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/model"
	"github.com/rdeps/crusader/pkg/registry"
)

func TestParseDependentLocalPath(t *testing.T) {
	dir := t.TempDir()
	d, err := parseDependent(dir)
	require.NoError(t, err)
	assert.Equal(t, model.DependentLocalPath, d.Source)
	assert.Equal(t, dir, d.LocalPath)
	assert.Equal(t, dir, d.Name)
}

func TestParseDependentRegistry(t *testing.T) {
	d, err := parseDependent("consumer:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, model.DependentRegistry, d.Source)
	assert.Equal(t, "consumer", d.Name)
	assert.Equal(t, "1.2.3", d.Version)
}

func TestParseDependentInvalid(t *testing.T) {
	_, err := parseDependent("not-a-path-or-pair")
	assert.Error(t, err)

	_, err = parseDependent("name:")
	assert.Error(t, err)

	_, err = parseDependent(":version")
	assert.Error(t, err)
}

func TestResolveOfferedPublished(t *testing.T) {
	lib := model.LibraryUnderTest{Name: "widget", BaselineVersion: "1.0.0"}
	flags := &RunFlags{Offered: []string{"1.1.0", "1.2.0"}}

	offered, err := resolveOffered(flags, lib)
	require.NoError(t, err)
	require.Len(t, offered, 2)
	assert.Equal(t, "1.1.0", offered[0].Label)
	assert.Equal(t, "1.2.0", offered[1].Label)
}

func TestResolveOfferedWipSentinel(t *testing.T) {
	lib := model.LibraryUnderTest{Name: "widget", BaselineVersion: "1.0.0", LocalPath: t.TempDir()}
	flags := &RunFlags{Offered: []string{wipSentinel}}

	offered, err := resolveOffered(flags, lib)
	require.NoError(t, err)
	require.Len(t, offered, 1)
	assert.Equal(t, wipSentinel, offered[0].Label)
}

func TestResolveOfferedWipWithoutLocalTree(t *testing.T) {
	lib := model.LibraryUnderTest{Name: "widget", BaselineVersion: "1.0.0"}
	flags := &RunFlags{Offered: []string{wipSentinel}}

	_, err := resolveOffered(flags, lib)
	assert.Error(t, err)
}

func TestResolveDependentsRequiresRegistryURLForTop(t *testing.T) {
	flags := &RunFlags{Top: 5, Library: t.TempDir()}
	_, err := resolveDependents(context.Background(), flags, nil)
	assert.Error(t, err)
}

func TestResolveDependentsCombinesExplicitAndTop(t *testing.T) {
	libDir := t.TempDir()
	writeManifest(t, libDir)

	client := registry.NewFakeClient()
	client.SetReverseDependents("widget", []model.Dependent{
		{Name: "a", Version: "1.0.0", Source: model.DependentRegistry},
		{Name: "b", Version: "1.0.0", Source: model.DependentRegistry},
	})

	flags := &RunFlags{
		Library:    libDir,
		Dependents: []string{"consumer:1.0.0"},
		Top:        1,
	}

	deps, err := resolveDependents(context.Background(), flags, client)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "consumer", deps[0].Name)
	assert.Equal(t, "a", deps[1].Name)
}

func writeManifest(t *testing.T, dir string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, "crusader.yaml"), []byte("name: widget\nversion: 1.0.0\n"), 0o644)
	require.NoError(t, err)
}
