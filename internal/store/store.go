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

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/matta/gmailcollect/internal/fault"
	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700 // TODO: make configurable?
	messageFileMode = 0600 // TODO: make configurable?

	// MessageFile is the raw provider message, in each mail folder.
	MessageFile = "message.json"

	// MetadataFile is the derived metadata, in each metadata folder.
	MetadataFile = "metadata.json"
)

// Layout names the two roots collected mail is written under:
//
//	<MailRoot>/<message id>/message.json, index.html, attachments...
//	<MetadataRoot>/<message id>/metadata.json
type Layout struct {
	MailRoot     string
	MetadataRoot string
}

// MessageDir returns the mail folder for id without creating it.
func (l Layout) MessageDir(id string) string {
	return filepath.Join(l.MailRoot, id)
}

// MetadataDir returns the metadata folder for id without creating it.
func (l Layout) MetadataDir(id string) string {
	return filepath.Join(l.MetadataRoot, id)
}

// CreateMessageDir creates the mail folder for id.  The folder must not
// exist yet: a second message with the same id is an error rather than
// a silent overwrite.
func (l Layout) CreateMessageDir(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.MailRoot, dirFileMode); err != nil {
		return "", fault.WriteError(err, "create mail dump root")
	}
	dir := l.MessageDir(id)
	if err := os.Mkdir(dir, dirFileMode); err != nil {
		return "", fault.WriteError(err, "create message folder")
	}
	return dir, nil
}

// WriteMessage writes v as JSON to the message file in id's mail
// folder, which must already exist.
func (l Layout) WriteMessage(id string, v interface{}) (string, error) {
	path := filepath.Join(l.MessageDir(id), MessageFile)
	return path, writeJSON(path, v)
}

// WriteMetadata writes v as JSON to id's metadata folder, creating the
// folder and its parents as needed.
func (l Layout) WriteMetadata(id string, v interface{}) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := l.MetadataDir(id)
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return "", fault.WriteError(err, "create metadata folder")
	}
	path := filepath.Join(dir, MetadataFile)
	return path, writeJSON(path, v)
}

// WriteFile writes data to dir/name and returns the path written.
// Existing files are replaced.  Callers pass names through SafeName
// first.
func WriteFile(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, messageFileMode); err != nil {
		return "", fault.WriteError(err, "write "+name)
	}
	return path, nil
}

func writeJSON(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, b, messageFileMode); err != nil {
		return fault.WriteError(err, "write "+filepath.Base(path))
	}
	return nil
}

// checkID rejects ids that would not name exactly one folder.
func checkID(id string) error {
	if id == "" {
		return fault.WriteError(errors.New("message has no ID"), "check message id")
	}
	if SafeName(id, "") != id {
		return fault.WriteError(errors.Errorf("message ID %q is not a valid folder name", id), "check message id")
	}
	return nil
}

// SafeName returns name reduced to a single path element: separators
// and control characters are replaced by '_'.  Names that are empty or
// that would refer to the folder itself or its parent are replaced by
// fallback.
func SafeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return fallback
	}
	if strings.IndexFunc(name, shouldEscape) < 0 {
		return name
	}
	return strings.Map(func(r rune) rune {
		if shouldEscape(r) {
			return '_'
		}
		return r
	}, name)
}

// Return true if the specified character may not appear in a file
// name written under a message folder.
func shouldEscape(r rune) bool {
	return r == '/' || r == '\\' || r < 0x20 || r == 0x7f
}
