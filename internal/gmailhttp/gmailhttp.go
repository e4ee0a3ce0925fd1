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

/*
Package gmailhttp implements an authenticated HTTP client for gmail.

Credentials come from an OAuth 2.0 client secret file, as downloaded
from the Google Cloud console (API & Services -> Credentials -> OAuth
client ID, type "Desktop app").  The token obtained for it is kept in a
TokenStore and reused across runs.

A stored token that is still valid is used as is.  An expired token is
refreshed.  Only when neither works does Authenticate run the
interactive consent flow: it prints a URL, the user approves access in
a browser, and the browser is redirected to a listener on the loopback
interface that receives the authorization code.

Reauthenticate never involves the user.  It is meant for recovering a
session in the middle of a batch run, where nobody is watching.

BUGS:

golang.org/x/oauth2 trusts the token's expiry time.  A token revoked
early by the server is only replaced once a request fails and the
caller asks for Reauthenticate.
*/
package gmailhttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi/transport"

	"github.com/matta/gmailcollect/internal/fault"
	"github.com/matta/gmailcollect/internal/gmail"
	"github.com/matta/gmailcollect/internal/tracehttp"
)

// Options configures a Session.
type Options struct {
	// Path of the OAuth 2.0 client secret JSON file.
	SecretFile string

	Store TokenStore

	// Optional API key, sent with every API request.
	APIKey string

	// If set, every HTTP round trip is dumped here.
	Trace io.Writer

	// Where the consent URL is printed.  Defaults to os.Stderr.
	Prompt io.Writer

	Logger *slog.Logger
}

// Session owns the credentials of one Gmail account.
type Session struct {
	config *oauth2.Config
	opts   Options
	base   http.RoundTripper
	logger *slog.Logger
}

// NewSession loads the client secret file.
func NewSession(opts Options) (*Session, error) {
	b, err := os.ReadFile(opts.SecretFile)
	if err != nil {
		return nil, fault.AuthError(err, "read client secret")
	}
	config, err := google.ConfigFromJSON(b, gmail.ReadonlyScope)
	if err != nil {
		return nil, fault.AuthError(errors.Wrapf(err, "parsing %q", opts.SecretFile), "read client secret")
	}
	if opts.Store == nil {
		opts.Store = &FileStore{Path: TokenPath(opts.SecretFile)}
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stderr
	}
	var base http.RoundTripper = http.DefaultTransport
	if opts.Trace != nil {
		base = tracehttp.Wrap(base, opts.Trace)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{config: config, opts: opts, base: base, logger: logger}, nil
}

// Authenticate returns an HTTP client for the Gmail API, asking the
// user for consent if no stored token can be used.
func (s *Session) Authenticate(ctx context.Context) (*http.Client, error) {
	tok, err := s.token(ctx, true, false)
	if err != nil {
		return nil, err
	}
	return s.client(ctx, tok), nil
}

// Reauthenticate returns a new HTTP client with a freshly refreshed
// token.  It fails with an Auth error when that would require user
// interaction.
func (s *Session) Reauthenticate(ctx context.Context) (*http.Client, error) {
	tok, err := s.token(ctx, false, true)
	if err != nil {
		return nil, err
	}
	return s.client(ctx, tok), nil
}

// oauthContext makes token exchanges use the session's transport.
func (s *Session) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: s.base})
}

func (s *Session) token(ctx context.Context, interactive, forceRefresh bool) (*oauth2.Token, error) {
	tok, err := s.opts.Store.Load()
	if err != nil && errors.Cause(err) != ErrNoToken {
		return nil, fault.AuthError(err, "load token")
	}
	if tok != nil {
		if tok.Valid() && !forceRefresh {
			return tok, nil
		}
		if tok.RefreshToken != "" {
			stale := *tok
			stale.AccessToken = ""
			fresh, err := s.config.TokenSource(s.oauthContext(ctx), &stale).Token()
			if err == nil {
				s.logger.Info("refreshed OAuth token", "expiry", fresh.Expiry)
				return fresh, s.save(fresh)
			}
			s.logger.Warn("refreshing OAuth token failed", "err", err)
		}
	}
	if !interactive {
		return nil, fault.AuthError(errors.New("no usable token; run the auth command"), "reauthenticate")
	}
	tok, err = s.consent(ctx)
	if err != nil {
		return nil, err
	}
	return tok, s.save(tok)
}

func (s *Session) save(tok *oauth2.Token) error {
	if err := s.opts.Store.Save(tok); err != nil {
		return fault.WriteError(err, "save token")
	}
	return nil
}

// client returns an HTTP client that authorizes requests with tok,
// refreshing and saving it as needed.
func (s *Session) client(ctx context.Context, tok *oauth2.Token) *http.Client {
	base := s.base
	if s.opts.APIKey != "" {
		base = &transport.APIKey{Key: s.opts.APIKey, Transport: base}
	}
	src := &savingTokenSource{
		src:    s.config.TokenSource(s.oauthContext(ctx), tok),
		store:  s.opts.Store,
		last:   tok.AccessToken,
		logger: s.logger,
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(tok, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}
}

// savingTokenSource writes every new token it hands out back to the
// store.  Satisfies oauth2.TokenSource.
type savingTokenSource struct {
	src    oauth2.TokenSource
	store  TokenStore
	last   string
	logger *slog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fault.AuthError(err, "refresh token")
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(tok); err != nil {
			s.logger.Warn("saving refreshed token failed", "err", err)
		}
	}
	return tok, nil
}
