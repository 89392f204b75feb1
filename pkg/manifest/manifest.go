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

// Package manifest decodes a dependent's declarative manifest and
// lockfile, and resolves the baseline version of the library under test
// per the policy: the lockfile entry if present, else the requirement's
// semver-highest published match.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Dependency is one declared requirement in a Manifest.
type Dependency struct {
	Name       string `yaml:"name"`
	Requirement string `yaml:"requirement"`
	// Path is set for a path-based (local) dependency.
	Path string `yaml:"path,omitempty"`
}

// Manifest is the subset of a dependent's declarative build manifest this
// harness needs: its own identity and its declared dependencies.
type Manifest struct {
	Name         string       `yaml:"name"`
	Version      string       `yaml:"version"`
	Dependencies []Dependency `yaml:"dependencies"`
}

// Requirement returns the declared requirement string for libraryName, or
// ("", false) if the manifest does not depend on it at all.
func (m Manifest) Requirement(libraryName string) (string, bool) {
	for _, d := range m.Dependencies {
		if d.Name == libraryName {
			return d.Requirement, true
		}
	}
	return "", false
}

// LoadManifest reads and decodes a manifest file. path may be either the
// manifest file itself or a directory containing a conventional
// manifest file name.
func LoadManifest(path string) (Manifest, error) {
	p, err := resolveManifestPath(path)
	if err != nil {
		return Manifest{}, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: reading %s: %w", p, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decoding %s: %w", p, err)
	}
	return m, nil
}

// manifestFileName is the conventional manifest file name looked for
// inside a directory passed to LoadManifest.
const manifestFileName = "crusader.yaml"

func resolveManifestPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}
	candidate := filepath.Join(path, manifestFileName)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("manifest: no %s in %s: %w", manifestFileName, path, err)
	}
	return candidate, nil
}

// LockedPackage is one resolved entry in a Lockfile.
type LockedPackage struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Lockfile is the subset of a dependent's lockfile this harness needs:
// the exact version each declared dependency actually resolved to the
// last time the dependent's own author ran the build tool.
type Lockfile struct {
	Packages []LockedPackage `yaml:"packages"`
}

// Version returns the locked version for libraryName, or ("", false) if
// the library has no lockfile entry.
func (l Lockfile) Version(libraryName string) (string, bool) {
	for _, p := range l.Packages {
		if p.Name == libraryName {
			return p.Version, true
		}
	}
	return "", false
}

// lockfileFileName is the conventional lockfile name, sitting alongside
// the manifest.
const lockfileFileName = "crusader.lock"

// LoadLockfile reads and decodes the lockfile alongside a manifest
// directory. Returns an empty Lockfile, no error, if no lockfile exists:
// the absence of a lockfile is a normal, common case, not a failure.
func LoadLockfile(dir string) (Lockfile, error) {
	candidate := filepath.Join(dir, lockfileFileName)
	b, err := os.ReadFile(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return Lockfile{}, nil
		}
		return Lockfile{}, fmt.Errorf("manifest: reading %s: %w", candidate, err)
	}
	var lf Lockfile
	if err := yaml.Unmarshal(b, &lf); err != nil {
		return Lockfile{}, fmt.Errorf("manifest: decoding %s: %w", candidate, err)
	}
	return lf, nil
}

// VersionLister is the narrow slice of a registry client this package
// needs to resolve a requirement to its semver-highest published match.
type VersionLister interface {
	ListVersions(name string) ([]string, error)
}

// ResolveBaseline implements the harness's baseline policy: the version a
// dependent would resolve to with no override applied, i.e. the lockfile
// entry for libraryName if one is present, else the semver-highest
// published version matching the manifest's requirement. This is the
// only baseline policy the harness implements; callers must not override
// it with a different heuristic.
func ResolveBaseline(m Manifest, lf Lockfile, libraryName string, lister VersionLister) (string, error) {
	if v, ok := lf.Version(libraryName); ok {
		return v, nil
	}

	req, ok := m.Requirement(libraryName)
	if !ok {
		return "", fmt.Errorf("manifest: %s does not depend on %s", m.Name, libraryName)
	}

	constraint, err := semver.NewConstraint(req)
	if err != nil {
		return "", fmt.Errorf("manifest: invalid requirement %q for %s: %w", req, libraryName, err)
	}

	versions, err := lister.ListVersions(libraryName)
	if err != nil {
		return "", fmt.Errorf("manifest: listing versions of %s: %w", libraryName, err)
	}

	var best *semver.Version
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return "", fmt.Errorf("manifest: no published version of %s satisfies %q", libraryName, req)
	}
	return best.Original(), nil
}
