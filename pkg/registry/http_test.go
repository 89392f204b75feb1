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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientListReverseDependentsPaginates(t *testing.T) {
	var gotPages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPages = append(gotPages, r.URL.Query().Get("page"))
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"dependents":[{"name":"a","version":"1.0.0"}],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"dependents":[{"name":"b","version":"2.0.0"}],"next_page":0}`)
		default:
			t.Fatalf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithRateLimit(1000, 1000))
	deps, err := c.ListReverseDependents(context.Background(), "widget")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "a", deps[0].Name)
	assert.Equal(t, "b", deps[1].Name)
	assert.Equal(t, []string{"1", "2"}, gotPages)
}

func TestHTTPClientListVersions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"versions":["1.0.0","1.1.0"]}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithRateLimit(1000, 1000))
	versions, err := c.ListVersions("widget")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versions)
}

func TestHTTPClientDownloadArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithRateLimit(1000, 1000))
	data, err := c.DownloadArchive(context.Background(), "widget", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "not found")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithRateLimit(1000, 1000))
	_, err := c.ListVersions("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
