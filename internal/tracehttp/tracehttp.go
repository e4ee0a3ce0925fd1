// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracehttp

import (
	"io"
	"net/http"
	"net/http/httputil"
	"regexp"
	"sync"
)

// traceTransport is an http.RoundTripper that writes the request and
// response to a writer while delegating the real work to another
// http.RoundTripper.  Credentials are redacted from the dumps.
type traceTransport struct {
	delegate http.RoundTripper

	mu sync.Mutex // guards w
	w  io.Writer
}

var (
	authHeader = regexp.MustCompile(`(?mi)^(Authorization|X-Goog-Api-Key):.*$`)
	keyParam   = regexp.MustCompile(`([?&](?:key|access_token)=)[^&\s]+`)
)

func redact(dump []byte) []byte {
	dump = authHeader.ReplaceAll(dump, []byte("$1: REDACTED\r"))
	return keyParam.ReplaceAll(dump, []byte("${1}REDACTED"))
}

func (t *traceTransport) write(dump []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Write(redact(dump))
	io.WriteString(t.w, "\n")
}

// RoundTrip writes a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.write(dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.write(dump)
		}
	}
	return resp, err
}

// Wrap returns a RoundTripper that traces every round trip through d
// to w.  A nil d selects http.DefaultTransport.
func Wrap(d http.RoundTripper, w io.Writer) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, w: w}
}
