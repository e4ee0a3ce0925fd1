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
	"encoding/json"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	keyringService = "gmailcollect"
	tokenFileMode  = 0600
)

// ErrNoToken is returned by a TokenStore that holds no token yet.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists the OAuth 2.0 token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// TokenPath returns the token file kept next to a client secret file:
// "secret.json" becomes "secret.token.json".
func TokenPath(secretFile string) string {
	return strings.TrimSuffix(secretFile, ".json") + ".token.json"
}

// FileStore keeps the token as JSON in a file.
type FileStore struct {
	Path string
}

func (s *FileStore) Load() (*oauth2.Token, error) {
	b, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading token file %q", s.Path)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrapf(err, "parsing token file %q", s.Path)
	}
	return tok, nil
}

func (s *FileStore) Save(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	if err := os.WriteFile(s.Path, b, tokenFileMode); err != nil {
		return errors.Wrapf(err, "writing token file %q", s.Path)
	}
	return nil
}

// KeyringStore keeps the token in the OS keyring under Key.
type KeyringStore struct {
	Ring keyring.Keyring
	Key  string
}

// OpenKeyring opens the keyring used for tokens.  When no OS keyring
// is available the encrypted file backend under fileDir is used.
func OpenKeyring(fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

func (s *KeyringStore) Load() (*oauth2.Token, error) {
	item, err := s.Ring.Get(s.Key)
	if err == keyring.ErrKeyNotFound {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting token %q from keyring", s.Key)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(item.Data, tok); err != nil {
		return nil, errors.Wrapf(err, "parsing token %q from keyring", s.Key)
	}
	return tok, nil
}

func (s *KeyringStore) Save(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	err = s.Ring.Set(keyring.Item{
		Key:   s.Key,
		Data:  b,
		Label: "gmailcollect OAuth token for " + s.Key,
	})
	if err != nil {
		return errors.Wrapf(err, "setting token %q in keyring", s.Key)
	}
	return nil
}

// NewTokenStore returns the store named by kind, "file" or "keyring".
// The file store lives next to secretFile; the keyring store is keyed
// by the account's email address.
func NewTokenStore(kind, secretFile, email, keyringDir string) (TokenStore, error) {
	switch kind {
	case "", "file":
		return &FileStore{Path: TokenPath(secretFile)}, nil
	case "keyring":
		ring, err := OpenKeyring(keyringDir)
		if err != nil {
			return nil, err
		}
		key := email
		if key == "" {
			key = "default"
		}
		return &KeyringStore{Ring: ring, Key: key}, nil
	}
	return nil, errors.Errorf("unknown token store %q", kind)
}
