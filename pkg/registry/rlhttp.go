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
	"net/http"

	"golang.org/x/time/rate"
)

// rlHTTPClient wraps a plain *http.Client with an optional rate limiter.
// A nil Ratelimiter disables limiting entirely.
type rlHTTPClient struct {
	*http.Client
	Ratelimiter *rate.Limiter
}

// newRLClient returns an rlHTTPClient using http.DefaultTransport under
// the given limiter.
func newRLClient(rl *rate.Limiter) *rlHTTPClient {
	return &rlHTTPClient{
		Client:      &http.Client{},
		Ratelimiter: rl,
	}
}

// Do waits for the rate limiter before delegating to the underlying
// client, so a caller can use it exactly like *http.Client.
func (c *rlHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.Ratelimiter != nil {
		if err := c.Ratelimiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.Client.Do(req)
}
