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

package materialize

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/gmailcollect/internal/extract"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/store"
)

// Provider is the part of the mail provider a Materializer needs.
type Provider interface {
	GetMessage(ctx context.Context, id string) (*gmail_api.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Materializer downloads one message at a time and writes it, with its
// derived metadata, to disk.
type Materializer struct {
	// Provider is replaced, not modified, when the session is
	// re-established.
	Provider Provider

	Layout              store.Layout
	DownloadAttachments bool
}

// Materialize fetches the message named by ref, writes its raw form,
// HTML bodies, attachments and metadata, and returns the metadata.
//
// The message's mail folder must not exist yet.  If a later step
// fails, the folder created by this call is removed again so that a
// retry can start over.
func (m *Materializer) Materialize(ctx context.Context, ref message.Reference) (md *message.Metadata, err error) {
	msg, err := m.Provider.GetMessage(ctx, ref.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v", ref.ID)
	}

	md = &message.Metadata{MessageID: ref.ID, LabelIDs: msg.LabelIds}
	if md.LabelIDs == nil {
		md.LabelIDs = []string{}
	}
	payload := msg.Payload
	if payload == nil {
		payload = &gmail_api.MessagePart{}
	}
	for _, h := range payload.Headers {
		if h == nil {
			continue
		}
		switch strings.ToLower(h.Name) {
		case "from":
			md.From = h.Value
		case "to":
			md.To = h.Value
		case "subject":
			md.Subject = h.Value
		case "date":
			md.Date = h.Value
		}
	}

	dir, err := m.Layout.CreateMessageDir(ref.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "message %v", ref.ID)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	ex := &extract.Extractor{Attachments: m.Provider, DownloadAttachments: m.DownloadAttachments}
	md.Contents, err = ex.Extract(ctx, payload.Parts, dir, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "extracting message %v", ref.ID)
	}
	if len(payload.Parts) == 0 {
		// Not multipart: the body is the text.
		text, err := extract.Text(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding message %v", ref.ID)
		}
		md.Contents.Texts = append(md.Contents.Texts, text)
	}

	if _, err = m.Layout.WriteMessage(ref.ID, msg); err != nil {
		return nil, errors.Wrapf(err, "saving message %v", ref.ID)
	}
	if _, err = m.Layout.WriteMetadata(ref.ID, md); err != nil {
		return nil, errors.Wrapf(err, "saving metadata of message %v", ref.ID)
	}
	return md, nil
}
