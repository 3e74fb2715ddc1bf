/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package upstream

import "net/http"

// StaticTokenTransport injects a fixed Bearer token into every outgoing
// request's Authorization header. It never mutates the caller's request;
// each RoundTrip clones it first.
type StaticTokenTransport struct {
	token string
	base  http.RoundTripper
}

// NewStaticTokenTransport wraps http.DefaultTransport with a static Bearer
// token. An empty token leaves requests untouched.
func NewStaticTokenTransport(token string) *StaticTokenTransport {
	return NewStaticTokenTransportWithBase(token, nil)
}

// NewStaticTokenTransportWithBase wraps the given base transport with a
// static Bearer token. A nil base falls back to http.DefaultTransport.
func NewStaticTokenTransportWithBase(token string, base http.RoundTripper) *StaticTokenTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &StaticTokenTransport{token: token, base: base}
}

// RoundTrip clones the request, sets the Authorization header when a token
// is configured, and delegates to the base transport.
func (t *StaticTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(cloned)
}
