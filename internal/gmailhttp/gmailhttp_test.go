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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/matta/gmailcollect/internal/fault"
)

// fakeOAuth is a token endpoint that hands out numbered access tokens.
type fakeOAuth struct {
	mu     sync.Mutex
	grants []string
	n      int
}

func (f *fakeOAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.grants = append(f.grants, r.PostForm.Get("grant_type"))
	f.n++
	n := f.n
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"at-%d","token_type":"Bearer","refresh_token":"rt","expires_in":3600}`, n)
}

func (f *fakeOAuth) grantTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.grants...)
}

type memStore struct {
	tok   *oauth2.Token
	saves int
}

func (m *memStore) Load() (*oauth2.Token, error) {
	if m.tok == nil {
		return nil, ErrNoToken
	}
	t := *m.tok
	return &t, nil
}

func (m *memStore) Save(tok *oauth2.Token) error {
	t := *tok
	m.tok = &t
	m.saves++
	return nil
}

func writeSecret(t *testing.T, tokenURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client_secret.json")
	secret := fmt.Sprintf(`{"installed":{"client_id":"cid","client_secret":"csecret",`+
		`"auth_uri":"https://accounts.example.com/o/oauth2/auth","token_uri":%q,`+
		`"redirect_uris":["http://localhost"]}}`, tokenURL)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newSession(t *testing.T, store TokenStore, prompt io.Writer) (*Session, *fakeOAuth) {
	t.Helper()
	oauth := &fakeOAuth{}
	srv := httptest.NewServer(oauth)
	t.Cleanup(srv.Close)
	s, err := NewSession(Options{SecretFile: writeSecret(t, srv.URL+"/token"), Store: store, Prompt: prompt, APIKey: "k123"})
	if err != nil {
		t.Fatal(err)
	}
	return s, oauth
}

// apiServer records the Authorization header and key parameter of
// each request.
func apiServer(t *testing.T) (*httptest.Server, *[]string) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization")+" key="+r.URL.Query().Get("key"))
		fmt.Fprint(w, "{}")
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func get(t *testing.T, c *http.Client, url string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
}

func TestAuthenticateUsesValidToken(t *testing.T) {
	store := &memStore{tok: &oauth2.Token{AccessToken: "stored", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}}
	s, oauth := newSession(t, store, io.Discard)

	c, err := s.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() = %v, want nil", err)
	}
	api, seen := apiServer(t)
	get(t, c, api.URL)

	if got := oauth.grantTypes(); len(got) != 0 {
		t.Errorf("token endpoint calls = %v, want none", got)
	}
	if want := "Bearer stored key=k123"; len(*seen) != 1 || (*seen)[0] != want {
		t.Errorf("API saw %q, want [%q]", *seen, want)
	}
}

func TestAuthenticateRefreshesExpiredToken(t *testing.T) {
	store := &memStore{tok: &oauth2.Token{AccessToken: "old", RefreshToken: "rt", Expiry: time.Now().Add(-time.Hour)}}
	s, oauth := newSession(t, store, io.Discard)

	if _, err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() = %v, want nil", err)
	}
	if got := oauth.grantTypes(); len(got) != 1 || got[0] != "refresh_token" {
		t.Errorf("grant types = %v, want [refresh_token]", got)
	}
	if store.tok.AccessToken != "at-1" || store.saves != 1 {
		t.Errorf("stored token = %q after %d saves, want at-1 after 1", store.tok.AccessToken, store.saves)
	}
}

func TestReauthenticateForcesRefresh(t *testing.T) {
	store := &memStore{tok: &oauth2.Token{AccessToken: "revoked", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}}
	s, _ := newSession(t, store, io.Discard)

	c, err := s.Reauthenticate(context.Background())
	if err != nil {
		t.Fatalf("Reauthenticate() = %v, want nil", err)
	}
	api, seen := apiServer(t)
	get(t, c, api.URL)
	if want := "Bearer at-1 key=k123"; len(*seen) != 1 || (*seen)[0] != want {
		t.Errorf("API saw %q, want [%q]", *seen, want)
	}
}

func TestReauthenticateNeverPrompts(t *testing.T) {
	var prompt strings.Builder
	s, _ := newSession(t, &memStore{}, &prompt)

	_, err := s.Reauthenticate(context.Background())
	if !fault.IsKind(err, fault.Auth) {
		t.Errorf("Reauthenticate() = %v, want an auth error", err)
	}
	if prompt.Len() != 0 {
		t.Errorf("prompt = %q, want nothing printed", prompt.String())
	}
}

// browser plays the user: it follows the consent URL's redirect with
// the given code, or with a forged state when forge is set.
type browser struct {
	forge bool
	code  string
}

var consentURL = regexp.MustCompile(`https://\S+`)

func (b *browser) Write(p []byte) (int, error) {
	raw := consentURL.Find(p)
	if raw == nil {
		return len(p), nil
	}
	u, err := url.Parse(string(raw))
	if err != nil {
		return 0, err
	}
	q := u.Query()
	state := q.Get("state")
	go func() {
		if b.forge {
			if resp, err := http.Get(q.Get("redirect_uri") + "?state=forged&code=evil"); err == nil {
				resp.Body.Close()
			}
		}
		if resp, err := http.Get(q.Get("redirect_uri") + "?state=" + url.QueryEscape(state) + "&code=" + b.code); err == nil {
			resp.Body.Close()
		}
	}()
	return len(p), nil
}

func TestAuthenticateConsent(t *testing.T) {
	store := &memStore{}
	s, oauth := newSession(t, store, &browser{forge: true, code: "good-code"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() = %v, want nil", err)
	}
	if got := oauth.grantTypes(); len(got) != 1 || got[0] != "authorization_code" {
		t.Errorf("grant types = %v, want [authorization_code]", got)
	}
	if store.tok == nil || store.tok.AccessToken != "at-1" || store.tok.RefreshToken != "rt" {
		t.Errorf("stored token = %+v, want at-1 with refresh token", store.tok)
	}
}

func TestAuthenticateConsentCancelled(t *testing.T) {
	s, _ := newSession(t, &memStore{}, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Authenticate(ctx)
	if !fault.IsKind(err, fault.Auth) {
		t.Errorf("Authenticate() = %v, want an auth error", err)
	}
}

func TestNewSessionMissingSecret(t *testing.T) {
	_, err := NewSession(Options{SecretFile: filepath.Join(t.TempDir(), "missing.json")})
	if !fault.IsKind(err, fault.Auth) {
		t.Errorf("NewSession() = %v, want an auth error", err)
	}
}

func TestTokenPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"secrets/client.json", "secrets/client.token.json"},
		{"client", "client.token.json"},
	}
	for _, tc := range cases {
		if got := TokenPath(tc.in); got != tc.want {
			t.Errorf("TokenPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFileStore(t *testing.T) {
	s := &FileStore{Path: filepath.Join(t.TempDir(), "tok.json")}
	if _, err := s.Load(); err != ErrNoToken {
		t.Fatalf("Load() on empty store = %v, want ErrNoToken", err)
	}
	want := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a" || got.RefreshToken != "r" {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	fi, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("token file mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestKeyringStore(t *testing.T) {
	s := &KeyringStore{Ring: keyring.NewArrayKeyring(nil), Key: "me@example.com"}
	if _, err := s.Load(); err != ErrNoToken {
		t.Fatalf("Load() on empty keyring = %v, want ErrNoToken", err)
	}
	if err := s.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.RefreshToken != "r" {
		t.Errorf("Load().RefreshToken = %q, want %q", got.RefreshToken, "r")
	}
}

func TestNewTokenStoreUnknown(t *testing.T) {
	if _, err := NewTokenStore("vault", "s.json", "", ""); err == nil {
		t.Error("NewTokenStore(vault) = nil error, want an error")
	}
	st, err := NewTokenStore("file", "dir/s.json", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if fs, ok := st.(*FileStore); !ok || fs.Path != "dir/s.token.json" {
		t.Errorf("NewTokenStore(file) = %#v, want a FileStore at dir/s.token.json", st)
	}
}
