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

package gmailhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/matta/gmailcollect/internal/fault"
)

// consent runs the interactive authorization code flow with a loopback
// redirect.
func (s *Session) consent(ctx context.Context) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fault.AuthError(err, "listen for consent redirect")
	}
	config := *s.config
	config.RedirectURL = "http://" + ln.Addr().String() + "/"
	state := uuid.NewString()

	codes := make(chan string, 1)
	denied := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// Browsers also ask for /favicon.ico and the like.
		if q.Get("state") != state {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			fmt.Fprintln(w, "Authorization failed. You may close this window.")
			select {
			case denied <- errors.Errorf("consent denied: %s", e):
			default:
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You may close this window.")
		select {
		case codes <- code:
		default:
		}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	url := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(s.opts.Prompt, "Open this URL in a browser to allow gmailcollect to read your mail:\n\n%s\n\n", url)
	s.logger.Info("waiting for OAuth consent", "redirect", config.RedirectURL)

	select {
	case <-ctx.Done():
		return nil, fault.AuthError(ctx.Err(), "wait for consent")
	case err := <-denied:
		return nil, fault.AuthError(err, "wait for consent")
	case code := <-codes:
		tok, err := config.Exchange(s.oauthContext(ctx), code)
		if err != nil {
			return nil, fault.AuthError(err, "exchange authorization code")
		}
		return tok, nil
	}
}
