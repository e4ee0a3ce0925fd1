package materialize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/gmailcollect/internal/fault"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/store"
)

type fakeProvider struct {
	messages    map[string]*gmail_api.Message
	attachments map[string][]byte
	attErr      error
}

func (f *fakeProvider) GetMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, fault.FetchError(errors.New("404 not found"), "get message "+id)
	}
	return msg, nil
}

func (f *fakeProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if f.attErr != nil {
		return nil, f.attErr
	}
	return f.attachments[attachmentID], nil
}

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func headers(kv ...string) []*gmail_api.MessagePartHeader {
	var hs []*gmail_api.MessagePartHeader
	for i := 0; i+1 < len(kv); i += 2 {
		hs = append(hs, &gmail_api.MessagePartHeader{Name: kv[i], Value: kv[i+1]})
	}
	return hs
}

func flatMessage(id, text string) *gmail_api.Message {
	return &gmail_api.Message{
		Id:       id,
		LabelIds: []string{"INBOX", "UNREAD"},
		Payload: &gmail_api.MessagePart{
			MimeType: "text/plain",
			Headers:  headers("From", "alice@example.com", "TO", "bob@example.com", "subject", "Hi", "Date", "Mon, 1 Jan 2024 10:00:00 +0000"),
			Body:     &gmail_api.MessagePartBody{Data: enc(text)},
		},
	}
}

func newMaterializer(t *testing.T, p Provider) *Materializer {
	tmp := t.TempDir()
	return &Materializer{
		Provider: p,
		Layout: store.Layout{
			MailRoot:     filepath.Join(tmp, "emails"),
			MetadataRoot: filepath.Join(tmp, "metadata"),
		},
	}
}

func TestMaterializeFlat(t *testing.T) {
	p := &fakeProvider{messages: map[string]*gmail_api.Message{"m1": flatMessage("m1", "plain body")}}
	m := newMaterializer(t, p)

	got, err := m.Materialize(context.Background(), message.Reference{ID: "m1"})
	if err != nil {
		t.Fatalf("Materialize() = %v, want nil", err)
	}
	want := &message.Metadata{
		MessageID: "m1",
		LabelIDs:  []string{"INBOX", "UNREAD"},
		From:      "alice@example.com",
		To:        "bob@example.com",
		Subject:   "Hi",
		Date:      "Mon, 1 Jan 2024 10:00:00 +0000",
		Contents: message.ContentBundle{
			Texts:       []string{"plain body"},
			HTMLs:       []string{},
			Attachments: []string{},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Materialize() mismatch (-want +got):\n%s", diff)
	}

	b, err := os.ReadFile(filepath.Join(m.Layout.MetadataDir("m1"), store.MetadataFile))
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}
	var onDisk message.Metadata
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(*want, onDisk); diff != "" {
		t.Errorf("metadata.json mismatch (-want +got):\n%s", diff)
	}

	b, err = os.ReadFile(filepath.Join(m.Layout.MessageDir("m1"), store.MessageFile))
	if err != nil {
		t.Fatalf("reading raw message: %v", err)
	}
	var raw gmail_api.Message
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Id != "m1" || raw.Payload == nil || raw.Payload.Body.Data != enc("plain body") {
		t.Errorf("message.json = %s, want the fetched message", b)
	}
}

func TestMaterializeMultipart(t *testing.T) {
	msg := &gmail_api.Message{
		Id:       "m2",
		LabelIds: []string{"INBOX"},
		Payload: &gmail_api.MessagePart{
			MimeType: "multipart/alternative",
			Headers:  headers("From", "alice@example.com"),
			Parts: []*gmail_api.MessagePart{
				{PartId: "0", MimeType: "text/plain", Body: &gmail_api.MessagePartBody{Data: enc("text")}},
				{PartId: "1", MimeType: "text/html", Body: &gmail_api.MessagePartBody{Data: enc("<b>html</b>")}},
			},
		},
	}
	m := newMaterializer(t, &fakeProvider{messages: map[string]*gmail_api.Message{"m2": msg}})

	got, err := m.Materialize(context.Background(), message.Reference{ID: "m2"})
	if err != nil {
		t.Fatalf("Materialize() = %v, want nil", err)
	}
	if got.Subject != "" {
		t.Errorf("Subject = %q, want empty", got.Subject)
	}
	want := message.ContentBundle{
		Texts:       []string{"text"},
		HTMLs:       []string{filepath.Join(m.Layout.MessageDir("m2"), "index.html")},
		Attachments: []string{},
	}
	if diff := cmp.Diff(want, got.Contents); diff != "" {
		t.Errorf("Contents mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeFolderCollision(t *testing.T) {
	p := &fakeProvider{messages: map[string]*gmail_api.Message{"m1": flatMessage("m1", "x")}}
	m := newMaterializer(t, p)

	if _, err := m.Materialize(context.Background(), message.Reference{ID: "m1"}); err != nil {
		t.Fatalf("first Materialize() = %v, want nil", err)
	}
	_, err := m.Materialize(context.Background(), message.Reference{ID: "m1", ThreadID: "other"})
	if !fault.IsKind(err, fault.Write) {
		t.Fatalf("second Materialize() = %v, want a write error", err)
	}
	// The first message's files survive.
	if _, err := os.Stat(filepath.Join(m.Layout.MessageDir("m1"), store.MessageFile)); err != nil {
		t.Errorf("message.json after collision: %v", err)
	}
}

func TestMaterializeFetchError(t *testing.T) {
	m := newMaterializer(t, &fakeProvider{})
	_, err := m.Materialize(context.Background(), message.Reference{ID: "gone"})
	if !fault.IsKind(err, fault.Fetch) {
		t.Fatalf("Materialize() = %v, want a fetch error", err)
	}
	if _, err := os.Stat(m.Layout.MessageDir("gone")); !os.IsNotExist(err) {
		t.Errorf("Stat(mail folder) = %v, want not exist", err)
	}
}

func TestMaterializeFailureAllowsRetry(t *testing.T) {
	msg := &gmail_api.Message{
		Id: "m3",
		Payload: &gmail_api.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail_api.MessagePart{{
				PartId:   "0",
				MimeType: "application/pdf",
				Filename: "a.pdf",
				Headers:  headers("Content-Disposition", "attachment"),
				Body:     &gmail_api.MessagePartBody{AttachmentId: "att"},
			}},
		},
	}
	p := &fakeProvider{
		messages:    map[string]*gmail_api.Message{"m3": msg},
		attachments: map[string][]byte{"att": []byte("pdf")},
		attErr:      fault.FetchError(errors.New("timeout"), "get attachment"),
	}
	m := newMaterializer(t, p)
	m.DownloadAttachments = true

	if _, err := m.Materialize(context.Background(), message.Reference{ID: "m3"}); !fault.IsKind(err, fault.Fetch) {
		t.Fatalf("first Materialize() = %v, want a fetch error", err)
	}
	p.attErr = nil
	got, err := m.Materialize(context.Background(), message.Reference{ID: "m3"})
	if err != nil {
		t.Fatalf("retried Materialize() = %v, want nil", err)
	}
	want := []string{filepath.Join(m.Layout.MessageDir("m3"), "a.pdf")}
	if diff := cmp.Diff(want, got.Contents.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
	if got.LabelIDs == nil {
		t.Errorf("LabelIDs = nil, want empty list")
	}
}
