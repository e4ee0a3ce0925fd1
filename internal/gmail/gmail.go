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

package gmail

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/matta/gmailcollect/internal/extract"
	"github.com/matta/gmailcollect/internal/fault"
	"github.com/matta/gmailcollect/internal/message"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsAttachmentsGet  = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerMessagesList = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Throttled calls are retried in place this many times before
	// the 429 is returned to the caller.
	maxThrottleRetries = 8

	me = "me"
)

// GmailService provides access to messages stored in Google's GMail
// system.
type GmailService struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New returns a GmailService that sends its requests through client.
// Extra options, such as option.WithEndpoint, are passed to the
// underlying API client.
func New(ctx context.Context, client *http.Client, logger *slog.Logger, opts ...option.ClientOption) (*GmailService, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &GmailService{service: s, limiter: l, logger: logger}, nil
}

// do waits for quota, then runs call, retrying while the server
// reports that the user is over quota.
func (s *GmailService) do(ctx context.Context, units int, op string, call func() error) error {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return fault.FetchError(err, op)
		}
		err := call()
		if err == nil {
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests && attempt < maxThrottleRetries {
			s.logger.Warn("gmail rate limited; retrying", "op", op, "attempt", attempt+1)
			continue
		}
		return classify(err, op)
	}
}

// classify tags an API error by its HTTP status.
func classify(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fault.AuthError(err, op)
		}
	}
	return fault.FetchError(err, op)
}

// Search returns one page of the messages matching query.
func (s *GmailService) Search(ctx context.Context, query, pageToken string) (message.Page, error) {
	call := s.service.Users.Messages.List(me).Q(query).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var resp *gmail_api.ListMessagesResponse
	err := s.do(ctx, quotaUnitsPerMessagesList, "list messages", func() (err error) {
		resp, err = call.Do()
		return
	})
	if err != nil {
		return message.Page{}, errors.Wrapf(err, "searching %q", query)
	}
	page := message.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, message.Reference{ID: m.Id, ThreadID: m.ThreadId, LabelIDs: m.LabelIds})
	}
	s.logger.Debug("listed page of Gmail messages", "count", len(page.Refs), "more", page.NextPageToken != "")
	return page, nil
}

// GetMessage returns the full message, with its part tree.
func (s *GmailService) GetMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	call := s.service.Users.Messages.Get(me, id).Format("full").Context(ctx)
	var msg *gmail_api.Message
	err := s.do(ctx, quotaUnitsMessagesGet, "get message", func() (err error) {
		msg, err = call.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return msg, nil
}

// GetAttachment returns the decoded body of an attachment.
func (s *GmailService) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	call := s.service.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx)
	var body *gmail_api.MessagePartBody
	err := s.do(ctx, quotaUnitsAttachmentsGet, "get attachment", func() (err error) {
		body, err = call.Do()
		return
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting attachment of message %v from gmail", messageID)
	}
	data, err := extract.DecodeBody(body.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding attachment of message %v", messageID)
	}
	return data, nil
}

// Profile returns the email address of the authenticated account.
func (s *GmailService) Profile(ctx context.Context) (string, error) {
	call := s.service.Users.GetProfile(me).Context(ctx)
	var p *gmail_api.Profile
	err := s.do(ctx, quotaUnitsPerGetProfile, "get profile", func() (err error) {
		p, err = call.Do()
		return
	})
	if err != nil {
		return "", err
	}
	return p.EmailAddress, nil
}
