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

// Package registry is the external collaborator the rest of the harness
// talks to for everything it cannot learn from a dependent's own
// manifest and lockfile: who depends on the library under test, what
// versions of it have been published, and the bytes of a published
// package archive.
package registry

import (
	"context"

	"github.com/rdeps/crusader/pkg/model"
)

// Client is the full registry surface the harness needs. HTTPClient and
// FakeClient both implement it; it is also the union of the narrower
// archive.Downloader and manifest.VersionLister seams those packages
// declare independently, so a *HTTPClient satisfies all three without
// an import cycle.
type Client interface {
	// ListReverseDependents returns every known reverse dependency of
	// libraryName, as registry-sourced Dependents.
	ListReverseDependents(ctx context.Context, libraryName string) ([]model.Dependent, error)
	// ListVersions returns every published version of name, in no
	// particular order; callers that need an ordering apply their own
	// semver comparison.
	ListVersions(name string) ([]string, error)
	// DownloadArchive returns the raw bytes of the published archive for
	// name at version.
	DownloadArchive(ctx context.Context, name, version string) ([]byte, error)
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*FakeClient)(nil)
)
