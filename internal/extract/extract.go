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

// Package extract flattens the part tree of a Gmail message into text
// bodies, HTML files and attachment files.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"

	mimemsg "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/gmailcollect/internal/fault"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/store"
)

const defaultHTMLName = "index.html"

// AttachmentFetcher fetches the decoded body of an attachment.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Extractor walks message part trees.  The zero value extracts text
// and HTML and skips every attachment.
type Extractor struct {
	// Attachments is consulted only when DownloadAttachments is set.
	Attachments AttachmentFetcher

	DownloadAttachments bool
}

// kind is the content class of a single part, resolved from its mime
// type.  Whether a part is also a container (has nested parts) is
// independent of its kind.
type kind int

const (
	plainText kind = iota
	html
	other
)

func classify(p *gmail_api.MessagePart) kind {
	switch p.MimeType {
	case "text/plain":
		return plainText
	case "text/html":
		return html
	}
	return other
}

// Extract walks parts in order and returns their flattened contents.
// HTML bodies and attachments are written into dir, which must exist.
// The contents of a part's children come before the part's own
// contents.
func (e *Extractor) Extract(ctx context.Context, parts []*gmail_api.MessagePart, dir string, ref message.Reference) (message.ContentBundle, error) {
	b := message.NewContentBundle()
	for _, p := range parts {
		if p == nil {
			continue
		}
		if len(p.Parts) > 0 {
			child, err := e.Extract(ctx, p.Parts, dir, ref)
			if err != nil {
				return b, err
			}
			b.Merge(child)
		}
		switch classify(p) {
		case plainText:
			text, err := Text(p)
			if err != nil {
				return b, errors.Wrapf(err, "part %s", p.PartId)
			}
			b.Texts = append(b.Texts, text)
		case html:
			path, err := e.writeHTML(p, dir)
			if err != nil {
				return b, errors.Wrapf(err, "part %s", p.PartId)
			}
			b.HTMLs = append(b.HTMLs, path)
		default:
			path, err := e.writeAttachment(ctx, p, dir, ref)
			if err != nil {
				return b, errors.Wrapf(err, "part %s", p.PartId)
			}
			if path != "" {
				b.Attachments = append(b.Attachments, path)
			}
		}
	}
	return b, nil
}

func (e *Extractor) writeHTML(p *gmail_api.MessagePart, dir string) (string, error) {
	data, err := DecodeBody(bodyData(p))
	if err != nil {
		return "", err
	}
	return store.WriteFile(dir, store.SafeName(p.Filename, defaultHTMLName), data)
}

// writeAttachment returns the path written, or "" when the part is
// skipped.  Only parts explicitly marked as attachments are kept;
// parts without a Content-Disposition header are dropped even when
// downloads are enabled.
func (e *Extractor) writeAttachment(ctx context.Context, p *gmail_api.MessagePart, dir string, ref message.Reference) (string, error) {
	if !e.DownloadAttachments {
		return "", nil
	}
	h := partHeader(p)
	if !strings.Contains(h.Get("Content-Disposition"), "attachment") {
		return "", nil
	}

	var data []byte
	var err error
	switch {
	case p.Body == nil:
	case p.Body.AttachmentId != "":
		if e.Attachments == nil {
			return "", fault.FetchError(errors.New("no attachment fetcher configured"), "get attachment")
		}
		data, err = e.Attachments.GetAttachment(ctx, ref.ID, p.Body.AttachmentId)
	default:
		// Small attachments may be delivered inline.
		data, err = DecodeBody(p.Body.Data)
	}
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	fallback := "attachment"
	if p.PartId != "" {
		fallback += "-" + p.PartId
	}
	return store.WriteFile(dir, store.SafeName(p.Filename, fallback), data)
}

// Text returns the body of p decoded to a UTF-8 string.  A part with no
// body data yields the empty string.
func Text(p *gmail_api.MessagePart) (string, error) {
	data, err := DecodeBody(bodyData(p))
	if err != nil {
		return "", err
	}
	return toUTF8(partHeader(p), data), nil
}

// DecodeBody decodes a base64url body payload, with or without
// padding.
func DecodeBody(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	}
	if err != nil {
		return nil, fault.DecodeError(err, "decode body")
	}
	return b, nil
}

func bodyData(p *gmail_api.MessagePart) string {
	if p.Body == nil {
		return ""
	}
	return p.Body.Data
}

func partHeader(p *gmail_api.MessagePart) mimemsg.Header {
	var h mimemsg.Header
	for _, hdr := range p.Headers {
		if hdr == nil {
			continue
		}
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

// toUTF8 converts data from the charset named in the Content-Type
// header.  Data in an unknown charset, or with no declared charset, is
// returned as is.
func toUTF8(h mimemsg.Header, data []byte) string {
	_, params, err := h.ContentType()
	if err != nil {
		return string(data)
	}
	cs := strings.ToLower(params["charset"])
	switch cs {
	case "", "utf-8", "utf8", "us-ascii":
		return string(data)
	}
	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(out)
}
