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

// Package resolve queries the build tool's metadata-dump subcommand
// after a successful Install phase and walks the resolved dependency
// graph for the node matching the library under test.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/rdeps/crusader/pkg/model"
)

// metadataNode mirrors one package entry in the build tool's
// metadata-dump output.
type metadataNode struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Source       string            `json:"source"`
	Dependencies map[string]string `json:"dependencies"`
}

type metadataDump struct {
	Root    string         `json:"root"`
	Nodes   []metadataNode `json:"nodes"`
}

// Probe invokes the build tool's metadata-dump subcommand in workspaceDir
// and walks the resolved graph looking for libraryName. If the library
// never appears in the graph, Resolved is the NotPresent sentinel.
type Probe struct {
	BuildTool string
	exec      func(ctx context.Context, dir, name string, args []string) ([]byte, error)
}

// New creates a Probe that shells out to buildTool.
func New(buildTool string) *Probe {
	return &Probe{BuildTool: buildTool, exec: runMetadataDump}
}

func runMetadataDump(ctx context.Context, dir, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Probe returns the ResolutionReport for libraryName as resolved inside
// workspaceDir, and the requirement string the root package declares on
// it (empty if the root does not declare one at all, which itself is a
// valid outcome: the dependent's manifest can list a dependency that the
// resolver nonetheless drops, e.g. an optional feature not enabled).
func (p *Probe) Probe(ctx context.Context, workspaceDir, libraryName string) (model.ResolutionReport, error) {
	out, err := p.exec(ctx, workspaceDir, p.BuildTool, []string{"metadata", "--format=json"})
	if err != nil {
		return model.ResolutionReport{}, fmt.Errorf("resolve: running metadata dump: %w", err)
	}

	var dump metadataDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return model.ResolutionReport{}, fmt.Errorf("resolve: decoding metadata dump: %w", err)
	}

	var root *metadataNode
	for i := range dump.Nodes {
		if dump.Nodes[i].Name == dump.Root {
			root = &dump.Nodes[i]
			break
		}
	}

	requirement := ""
	if root != nil {
		requirement = root.Dependencies[libraryName]
	}

	for _, n := range dump.Nodes {
		if n.Name != libraryName {
			continue
		}
		return model.ResolutionReport{
			RequirementSpec: requirement,
			Resolved:        n.Version,
			Source:          sourceFromString(n.Source),
		}, nil
	}

	return model.ResolutionReport{
		RequirementSpec: requirement,
		Resolved:        model.NotPresent,
	}, nil
}

func sourceFromString(s string) model.ResolutionSource {
	switch s {
	case "local", "path":
		return model.ResolutionLocal
	case "git":
		return model.ResolutionGit
	default:
		return model.ResolutionRegistry
	}
}
