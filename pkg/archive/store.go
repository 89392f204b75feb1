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

// Package archive implements the content-addressed cache of downloaded
// package archives and their idempotent extraction into staging
// directories, per the filesystem layout:
//
//	<root>/archives/<name>/<name>-<version>.tar.gz
//	<root>/staging/<name>-<version>/
//	<root>/staging/<name>-<version>/.harness-sentinel
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/pgzip"

	"archive/tar"

	"github.com/rdeps/crusader/pkg/metrics"
)

// sentinelName marks a staging directory as harness-managed. Its absence
// means either the extraction never completed or the directory is
// user-supplied; either way the directory must never be deleted outright.
const sentinelName = ".harness-sentinel"

// Downloader is the narrow registry-client slice the store needs to
// populate a cache miss.
type Downloader interface {
	DownloadArchive(ctx context.Context, name, version string) ([]byte, error)
}

// Store is the content-addressed archive cache plus staging area.
type Store struct {
	root       string
	downloader Downloader
	mirror     Backend // optional, may be nil
	metrics    *metrics.Metrics // optional, may be nil

	// keyLocks coalesces concurrent callers for the same (name,version)
	// key so only one performs the download or extraction; the rest
	// re-read what the winner produced.
	keyLocks sync.Map // map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMetrics records archive cache hits and misses against m. Omit to
// run without metrics.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store rooted at root, creating the archives/ and
// staging/ subdirectories if needed. mirror may be nil.
func NewStore(root string, downloader Downloader, mirror Backend, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "archives"), 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating archives dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "staging"), 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating staging dir: %w", err)
	}
	s := &Store{root: root, downloader: downloader, mirror: mirror}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) recordCacheHit() {
	if s.metrics != nil {
		s.metrics.RecordArchiveCacheHit()
	}
}

func (s *Store) recordCacheMiss() {
	if s.metrics != nil {
		s.metrics.RecordArchiveCacheMiss()
	}
}

func key(name, version string) string {
	return name + "-" + version
}

func (s *Store) lockFor(k string) *sync.Mutex {
	v, _ := s.keyLocks.LoadOrStore(k, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) archivePath(name, version string) string {
	return filepath.Join(s.root, "archives", name, key(name, version)+".tar.gz")
}

func (s *Store) stagingDir(name, version string) string {
	return filepath.Join(s.root, "staging", key(name, version))
}

// EnsureArchive returns the cached archive path for (name, version),
// downloading it through the Downloader (or the optional mirror Backend)
// on a cache miss. Concurrent callers for the same key coalesce on a
// per-key lock; only one performs the download.
func (s *Store) EnsureArchive(ctx context.Context, name, version string) (string, error) {
	k := key(name, version)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	path := s.archivePath(name, version)
	if _, err := os.Stat(path); err == nil {
		s.recordCacheHit()
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("archive: stat %s: %w", path, err)
	}
	s.recordCacheMiss()

	data, err := s.fetch(ctx, k, name, version)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: creating archive dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}

	if s.mirror != nil {
		// Best-effort: a mirror write failure must not fail the
		// caller, who already has a good local archive.
		_ = s.mirror.Store(ctx, k, data)
	}

	return path, nil
}

func (s *Store) fetch(ctx context.Context, k, name, version string) ([]byte, error) {
	if s.mirror != nil {
		if data, ok, err := s.mirror.Fetch(ctx, k); err != nil {
			return nil, fmt.Errorf("archive: mirror fetch %s: %w", k, err)
		} else if ok {
			return data, nil
		}
	}
	data, err := s.downloader.DownloadArchive(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("archive: downloading %s@%s: %w", name, version, err)
	}
	return data, nil
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, fsyncs it, then renames it into place so concurrent readers
// never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("archive: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("archive: renaming into place: %w", err)
	}
	return nil
}

// EnsureExtracted returns the staging directory for (name, version),
// extracting the archive there if the sentinel is absent. Partial
// extractions from a prior crash are detected by the sentinel's absence
// and redone; user-placed contents already in staging/ are never
// deleted.
func (s *Store) EnsureExtracted(ctx context.Context, name, version string) (string, error) {
	k := key(name, version)
	lock := s.lockFor("extract:" + k)
	lock.Lock()
	defer lock.Unlock()

	dir := s.stagingDir(name, version)
	sentinel := filepath.Join(dir, sentinelName)
	if _, err := os.Stat(sentinel); err == nil {
		return dir, nil
	}

	archivePath, err := s.EnsureArchive(ctx, name, version)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: creating staging dir: %w", err)
	}
	if err := extractTarGz(archivePath, dir); err != nil {
		return "", fmt.Errorf("archive: extracting %s: %w", archivePath, err)
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return "", fmt.Errorf("archive: writing sentinel: %w", err)
	}
	return dir, nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !withinDir(destDir, target) {
			return fmt.Errorf("tar entry %q escapes destination directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and other special entries are not part of
			// any published registry archive this harness handles.
		}
	}
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Forget best-effort removes the cached archive and staging directory for
// (name, version). The staging directory is removed only if it carries
// the sentinel; a directory without one is left in place. Intended only
// for cleanup tooling, never called from the hot orchestration path.
func (s *Store) Forget(name, version string) error {
	var errs []error
	if err := os.Remove(s.archivePath(name, version)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	dir := s.stagingDir(name, version)
	if _, err := os.Stat(filepath.Join(dir, sentinelName)); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("archive: forget %s@%s: %v", name, version, errs)
	}
	return nil
}
