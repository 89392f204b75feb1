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

// Package override translates a chosen library version into the
// build-tool configuration directives that substitute it for the
// registry-sourced entry, without writing any file inside a workspace.
package override

import (
	"fmt"

	"github.com/rdeps/crusader/pkg/model"
)

// Mode selects semver-respecting "patch" semantics or semver-bypassing
// "force" semantics.
type Mode int

const (
	// Patch replaces the registry entry only for dependents whose
	// declared requirement is semver-compatible with the replacement.
	Patch Mode = iota
	// Force rewrites the dependent's requirement on the library
	// regardless of semver.
	Force
)

func (m Mode) String() string {
	if m == Force {
		return "force"
	}
	return "patch"
}

// Directive is one command-line flag value to pass to the build tool.
// Directives carry no filesystem side effects; the planner never writes
// into a workspace.
type Directive struct {
	Flag  string
	Value string
}

// Plan produces the directives implementing mode for libraryName at
// offered. For a Local offered version the directive carries a path; for
// a Published offered version it carries the version string unchanged in
// both modes, and the flag (--patch or --force) selects the semantics.
func Plan(libraryName string, offered model.OfferedVersion, mode Mode) ([]Directive, error) {
	switch offered.Source {
	case model.OfferedLocal:
		if offered.Path == "" {
			return nil, fmt.Errorf("override: local offered version for %s has no path", libraryName)
		}
		return []Directive{pathDirective(libraryName, offered.Path, mode)}, nil
	case model.OfferedPublished:
		if offered.Version == "" {
			return nil, fmt.Errorf("override: published offered version for %s has no version", libraryName)
		}
		return []Directive{versionDirective(libraryName, offered.Version, mode)}, nil
	default:
		return nil, fmt.Errorf("override: unknown offered source for %s", libraryName)
	}
}

func pathDirective(libraryName, path string, mode Mode) Directive {
	return Directive{
		Flag:  flagFor(mode),
		Value: fmt.Sprintf("%s=path:%s", libraryName, path),
	}
}

func versionDirective(libraryName, version string, mode Mode) Directive {
	value := fmt.Sprintf("%s=%s", libraryName, version)
	if mode == Patch {
		// Patch still carries an exact version string; semver
		// compatibility is decided by the dependent's own requirement
		// at resolution time, not by this directive.
		return Directive{Flag: "--patch", Value: value}
	}
	return Directive{Flag: "--force", Value: value}
}

func flagFor(mode Mode) string {
	if mode == Force {
		return "--force"
	}
	return "--patch"
}

// Args renders directives as a flat argv slice suitable for appending to
// the build tool invocation.
func Args(directives []Directive) []string {
	args := make([]string, 0, len(directives)*2)
	for _, d := range directives {
		args = append(args, d.Flag, d.Value)
	}
	return args
}
