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

// Package plan turns search queries into ordered lists of message
// references.
package plan

import (
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/matta/gmailcollect/internal/message"
)

// Searcher runs one page of a mailbox search.  An empty pageToken
// requests the first page.
type Searcher interface {
	Search(ctx context.Context, query, pageToken string) (message.Page, error)
}

// Planner resolves search queries against a Searcher.
type Planner struct {
	Searcher Searcher
	Logger   *slog.Logger
}

// Plan returns one reference list per query, in query order.  Each list
// holds every page of its search, in page order, cut to the query's
// limit.  References are not deduplicated, within or across queries.
func (p *Planner) Plan(ctx context.Context, queries []message.SearchQuery) ([][]message.Reference, error) {
	results := make([][]message.Reference, 0, len(queries))
	for i, q := range queries {
		refs, err := p.search(ctx, q)
		if err != nil {
			return nil, errors.Wrapf(err, "search query %d (%q)", i, q.Query())
		}
		p.logger().Info("planned search query", "index", i, "query", q.Query(), "results", len(refs))
		results = append(results, refs)
	}
	return results, nil
}

func (p *Planner) search(ctx context.Context, q message.SearchQuery) ([]message.Reference, error) {
	query := q.Query()
	var refs []message.Reference
	token := ""
	pages := 0
	for {
		page, err := p.Searcher.Search(ctx, query, token)
		if err != nil {
			return nil, err
		}
		pages++
		refs = append(refs, page.Refs...)
		p.logger().Debug("listed page of search results", "query", query, "page", pages, "count", len(page.Refs), "total", len(refs))
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return Truncate(refs, q.Limit()), nil
}

// Truncate returns the first n references.  The result is never nil.
func Truncate(refs []message.Reference, n int) []message.Reference {
	if n < 0 {
		n = 0
	}
	if len(refs) > n {
		refs = refs[:n]
	}
	if refs == nil {
		refs = []message.Reference{}
	}
	return refs
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}
