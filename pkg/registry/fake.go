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
	"fmt"
	"sync"

	"github.com/rdeps/crusader/pkg/model"
)

// FakeClient is an in-memory Client for tests and for offline runs
// against a pre-fetched fixture set; it never makes a network call.
type FakeClient struct {
	mu sync.Mutex

	dependents map[string][]model.Dependent
	versions   map[string][]string
	archives   map[string][]byte
}

// NewFakeClient returns an empty FakeClient; populate it with the
// Set* methods before use.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		dependents: make(map[string][]model.Dependent),
		versions:   make(map[string][]string),
		archives:   make(map[string][]byte),
	}
}

// SetReverseDependents registers the reverse dependents returned for
// libraryName.
func (f *FakeClient) SetReverseDependents(libraryName string, deps []model.Dependent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dependents[libraryName] = deps
}

// SetVersions registers the published versions returned for name.
func (f *FakeClient) SetVersions(name string, versions []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[name] = versions
}

// SetArchive registers the archive bytes returned for name@version.
func (f *FakeClient) SetArchive(name, version string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[name+"@"+version] = data
}

// ListReverseDependents implements Client.
func (f *FakeClient) ListReverseDependents(ctx context.Context, libraryName string) ([]model.Dependent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Dependent(nil), f.dependents[libraryName]...), nil
}

// ListVersions implements Client.
func (f *FakeClient) ListVersions(name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.versions[name]...), nil
}

// DownloadArchive implements Client.
func (f *FakeClient) DownloadArchive(ctx context.Context, name, version string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.archives[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("registry: no fixture archive for %s@%s", name, version)
	}
	return data, nil
}
