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

// Package workspace materializes one build directory per dependent,
// reused across offered versions within a run. It is a thin wrapper over
// the archive store: a local-path dependent's workspace is the path
// itself (mounted read-only, never written into except conventional
// build-tool artifact subdirectories); a registry-sourced dependent's
// workspace is the store's extracted staging directory.
package workspace

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"

	"github.com/rdeps/crusader/pkg/model"
)

// Extractor is the narrow archive-store slice this package depends on.
type Extractor interface {
	EnsureExtracted(ctx context.Context, name, version string) (string, error)
}

// Workspace is the on-disk directory a Build Runner operates in for one
// dependent. At most one Build Runner may execute inside a Workspace at
// a time; the Matrix Orchestrator enforces this with a per-dependent
// mutex, not this package.
type Workspace struct {
	RootDir     string
	DependentID string
	// GitCommit is the HEAD commit of a local-path dependent's repository,
	// if one could be detected. Empty for registry-sourced dependents.
	GitCommit string
}

// Stager yields a Workspace for a Dependent, reusing the archive store's
// extraction cache for registry sources.
type Stager struct {
	store Extractor
}

// NewStager creates a Stager backed by store.
func NewStager(store Extractor) *Stager {
	return &Stager{store: store}
}

// Stage returns the Workspace for dependent, extracting it from the
// archive store on first use for registry sources. Calling Stage again
// for the same dependent is cheap: the staging directory (or local path)
// is already in place.
func (s *Stager) Stage(ctx context.Context, d model.Dependent) (Workspace, error) {
	switch d.Source {
	case model.DependentLocalPath:
		return Workspace{
			RootDir:     d.LocalPath,
			DependentID: d.ID(),
			GitCommit:   detectGitCommit(d.LocalPath),
		}, nil
	case model.DependentRegistry:
		dir, err := s.store.EnsureExtracted(ctx, d.Name, d.Version)
		if err != nil {
			return Workspace{}, fmt.Errorf("workspace: staging %s: %w", d.ID(), err)
		}
		return Workspace{RootDir: dir, DependentID: d.ID()}, nil
	default:
		return Workspace{}, fmt.Errorf("workspace: unknown dependent source for %s", d.ID())
	}
}

// detectGitCommit best-effort resolves the HEAD commit of a local
// dependent's repository, recorded on Workspace.GitCommit. A failure to
// detect a repository (the dependent tree is not under git) is not an
// error; it just means GitCommit stays empty.
func detectGitCommit(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
