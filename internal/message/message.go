package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxResults caps a search when SearchQuery.MaxResults is
	// unset.  Large enough to be effectively unbounded for a single
	// mailbox.
	DefaultMaxResults = 10000000

	// queryDateLayout is the date form understood by the Gmail
	// search operators "after:" and "before:".
	queryDateLayout = "2006/01/02"
)

// SearchQuery declares one search to run against the mailbox.  It is
// treated as immutable once planned.
type SearchQuery struct {
	// Free text in Gmail search syntax.  May be empty.
	Text string

	// Optional lower bound, rendered as "after:YYYY/MM/DD".
	Start *time.Time

	// Optional upper bound, rendered as "before:YYYY/MM/DD".
	End *time.Time

	// Hard cap on the number of results kept.  Zero or negative
	// selects DefaultMaxResults.
	MaxResults int
}

// Limit returns the effective result cap.
func (q SearchQuery) Limit() int {
	if q.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return q.MaxResults
}

// Query renders the provider query string: the free text followed by
// the after: and before: tokens, in that order, when the dates are set.
func (q SearchQuery) Query() string {
	s := q.Text
	if q.Start != nil {
		s += fmt.Sprintf(" after:%s", q.Start.Format(queryDateLayout))
	}
	if q.End != nil {
		s += fmt.Sprintf(" before:%s", q.End.Format(queryDateLayout))
	}
	return s
}

// Reference is the minimal handle returned by a search; enough to
// fetch the full message.
type Reference struct {
	// The permanent and unique ID of the message in the mailbox.
	ID string

	// The ID of the thread the message belongs to.  May be empty.
	ThreadID string

	// Label identifiers known at search time.  The Gmail list call
	// does not return them, so this is usually empty.
	LabelIDs []string
}

// Page is one page of search results.
type Page struct {
	Refs []Reference

	// Continuation token; empty on the last page.
	NextPageToken string
}

// ContentBundle is the flattened content of a message's part tree.
type ContentBundle struct {
	// Decoded text/plain bodies, in part order.
	Texts []string `json:"texts"`

	// Paths of the written text/html bodies.
	HTMLs []string `json:"htmls"`

	// Paths of the written attachments.
	Attachments []string `json:"attachments"`
}

// NewContentBundle returns a bundle whose lists are empty rather than
// nil, so that it serializes as [] rather than null.
func NewContentBundle() ContentBundle {
	return ContentBundle{Texts: []string{}, HTMLs: []string{}, Attachments: []string{}}
}

// Merge appends the contents of other after the contents of b.
func (b *ContentBundle) Merge(other ContentBundle) {
	b.Texts = append(b.Texts, other.Texts...)
	b.HTMLs = append(b.HTMLs, other.HTMLs...)
	b.Attachments = append(b.Attachments, other.Attachments...)
}

// Metadata is the derived record written for each materialized
// message.  It is never modified after it is written.
type Metadata struct {
	MessageID string   `json:"message_id"`
	LabelIDs  []string `json:"label_ids"`

	// Header values, omitted when the header is absent.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Date string `json:"date,omitempty"`

	// Empty when the message has no Subject header.
	Subject string `json:"subject"`

	Contents ContentBundle `json:"contents"`
}
