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

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposedOverHandler(t *testing.T) {
	m := New()
	m.RecordRow("passed")
	m.RecordPhaseDuration("check", 1.5)
	m.RecordArchiveCacheHit()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "crusader_rows_total")
	assert.Contains(t, body, "crusader_phase_duration_seconds")
	assert.Contains(t, body, "crusader_archive_cache_hits_total")
}

func TestSetActiveTasksAndQueueDepth(t *testing.T) {
	m := New()
	m.SetActiveTasks(3)
	m.SetQueueDepth(7)
	// Exercised through the handler rather than internal state, since
	// the prometheus client does not expose gauge values directly.
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "crusader_active_tasks 3")
	assert.Contains(t, rec.Body.String(), "crusader_queue_depth 7")
}
