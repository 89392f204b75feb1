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

package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/pgzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdeps/crusader/pkg/metrics"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type countingDownloader struct {
	calls int32
	data  []byte
}

func (d *countingDownloader) DownloadArchive(ctx context.Context, name, version string) ([]byte, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.data, nil
}

func TestEnsureArchiveDownloadsOnceAndCaches(t *testing.T) {
	dl := &countingDownloader{data: buildTarGz(t, map[string]string{"crusader.yaml": "name: dep\n"})}
	store, err := NewStore(t.TempDir(), dl, nil)
	require.NoError(t, err)

	p1, err := store.EnsureArchive(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	p2, err := store.EnsureArchive(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))

	b1, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, dl.data, b1)
}

func TestEnsureArchiveRecordsCacheHitsAndMisses(t *testing.T) {
	dl := &countingDownloader{data: buildTarGz(t, map[string]string{"crusader.yaml": "name: dep\n"})}
	m := metrics.New()
	store, err := NewStore(t.TempDir(), dl, nil, WithMetrics(m))
	require.NoError(t, err)

	_, err = store.EnsureArchive(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ArchiveCacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveCacheMissesTotal))

	_, err = store.EnsureArchive(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveCacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveCacheMissesTotal))
}

func TestEnsureExtractedIsIdempotentAndSentinelled(t *testing.T) {
	dl := &countingDownloader{data: buildTarGz(t, map[string]string{"crusader.yaml": "name: dep\n"})}
	store, err := NewStore(t.TempDir(), dl, nil)
	require.NoError(t, err)

	dir1, err := store.EnsureExtracted(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir1, "crusader.yaml"))
	assert.FileExists(t, filepath.Join(dir1, sentinelName))

	// Second call must not re-extract (and must not re-download).
	dir2, err := store.EnsureExtracted(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))
}

func TestEnsureExtractedRedoesPartialExtraction(t *testing.T) {
	dl := &countingDownloader{data: buildTarGz(t, map[string]string{"crusader.yaml": "name: dep\n"})}
	store, err := NewStore(t.TempDir(), dl, nil)
	require.NoError(t, err)

	dir := store.stagingDir("dep", "1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// Simulate a crash mid-extraction: directory exists, sentinel does not.

	got, err := store.EnsureExtracted(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(got, sentinelName))
	assert.FileExists(t, filepath.Join(got, "crusader.yaml"))
}

func TestEnsureExtractedRejectsPathEscape(t *testing.T) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 4}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dl := &countingDownloader{data: buf.Bytes()}
	store, err := NewStore(t.TempDir(), dl, nil)
	require.NoError(t, err)

	_, err = store.EnsureExtracted(context.Background(), "dep", "1.0.0")
	require.Error(t, err)
}

func TestForgetRemovesArchiveAndStaging(t *testing.T) {
	dl := &countingDownloader{data: buildTarGz(t, map[string]string{"crusader.yaml": "name: dep\n"})}
	store, err := NewStore(t.TempDir(), dl, nil)
	require.NoError(t, err)

	_, err = store.EnsureExtracted(context.Background(), "dep", "1.0.0")
	require.NoError(t, err)

	require.NoError(t, store.Forget("dep", "1.0.0"))
	_, err = os.Stat(store.archivePath("dep", "1.0.0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.stagingDir("dep", "1.0.0"))
	assert.True(t, os.IsNotExist(err))
}
