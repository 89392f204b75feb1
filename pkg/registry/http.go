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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/rdeps/crusader/pkg/model"
)

// defaultPerPage bounds how many reverse dependents one page request
// returns; ListReverseDependents transparently walks every page.
const defaultPerPage = 100

// HTTPClient talks to a package registry's HTTP API through a rate
// limited transport, so a large reverse-dependent set cannot
// overwhelm the registry during a single harness run.
type HTTPClient struct {
	baseURL string
	client  *rlHTTPClient
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPTimeout overrides the request timeout (default unset, i.e.
// the http.Client default of no timeout).
func WithHTTPTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) { c.client.Client.Timeout = d }
}

// WithRateLimit overrides the request rate limit (default 10 req/s,
// burst 20) with a new limiter of rps requests per second and burst.
func WithRateLimit(rps float64, burst int) HTTPClientOption {
	return func(c *HTTPClient) { c.client.Ratelimiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewHTTPClient creates an HTTPClient against baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client:  newRLClient(rate.NewLimiter(rate.Limit(10), 20)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("registry: unexpected status %d from %s: %s", resp.StatusCode, path, string(body))
	}
	return resp, nil
}

// reverseDependentsPage mirrors one page of the registry's reverse
// dependents listing endpoint.
type reverseDependentsPage struct {
	Dependents []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"dependents"`
	NextPage int `json:"next_page"`
}

// ListReverseDependents walks every page of libraryName's reverse
// dependents, following NextPage until the registry reports none left.
func (c *HTTPClient) ListReverseDependents(ctx context.Context, libraryName string) ([]model.Dependent, error) {
	var out []model.Dependent
	page := 1
	for {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(defaultPerPage)},
		}
		resp, err := c.do(ctx, http.MethodGet, "/api/v1/packages/"+libraryName+"/reverse-dependents", query)
		if err != nil {
			return nil, err
		}

		var body reverseDependentsPage
		decErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decErr != nil {
			return nil, fmt.Errorf("registry: decoding reverse dependents page %d: %w", page, decErr)
		}

		for _, d := range body.Dependents {
			out = append(out, model.Dependent{Name: d.Name, Version: d.Version, Source: model.DependentRegistry})
		}

		if body.NextPage == 0 || body.NextPage == page {
			return out, nil
		}
		page = body.NextPage
	}
}

// versionsResponse mirrors the registry's published-versions endpoint.
type versionsResponse struct {
	Versions []string `json:"versions"`
}

// ListVersions implements manifest.VersionLister.
func (c *HTTPClient) ListVersions(name string) ([]string, error) {
	resp, err := c.do(context.Background(), http.MethodGet, "/api/v1/packages/"+name+"/versions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body versionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("registry: decoding versions for %s: %w", name, err)
	}
	return body.Versions, nil
}

// DownloadArchive implements archive.Downloader.
func (c *HTTPClient) DownloadArchive(ctx context.Context, name, version string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/packages/"+name+"/"+version+"/archive", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: reading archive body for %s@%s: %w", name, version, err)
	}
	return data, nil
}
