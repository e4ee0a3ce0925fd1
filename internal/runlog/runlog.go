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

// Package runlog manages the folder that records one collection run: a
// snapshot of the run's parameters, the planned search results, and
// the append-only completion and error logs.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matta/gmailcollect/internal/fault"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/store"
)

const (
	PlanFile      = "collection_plan.json"
	ResultsFile   = "search_query_results.json"
	CompletedFile = "completed_log.json"
	ErrorFile     = "error_log.json"

	dirMode  = 0700
	fileMode = 0600

	folderTimeLayout = "20060102_150405"
	planDateLayout   = "2006/01/02_15:04"
)

// Query is a SearchQuery as recorded in the plan snapshot.
type Query struct {
	Query      string  `json:"query"`
	StartDate  *string `json:"start_date"`
	EndDate    *string `json:"end_date"`
	MaxResults int     `json:"max_results"`
}

// NewQueries converts queries for the plan snapshot.
func NewQueries(queries []message.SearchQuery) []Query {
	out := make([]Query, 0, len(queries))
	for _, q := range queries {
		out = append(out, Query{
			Query:      q.Text,
			StartDate:  formatDate(q.Start),
			EndDate:    formatDate(q.End),
			MaxResults: q.Limit(),
		})
	}
	return out
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(planDateLayout)
	return &s
}

// Postman is the account and output configuration of a run.
// Credentials themselves are never recorded.
type Postman struct {
	Email               string `json:"email"`
	SecretFilePath      string `json:"secret_file_path"`
	TokenStore          string `json:"token_store"`
	MailDumpFolder      string `json:"mail_dump_folder"`
	MetadataDumpFolder  string `json:"metadata_dump_folder"`
	DownloadAttachments bool   `json:"download_attachments"`
}

// Plan is the snapshot of a run's parameters.
type Plan struct {
	RunID          string  `json:"run_id"`
	RunName        string  `json:"run_name"`
	SearchQueries  []Query `json:"search_queries"`
	Postman        Postman `json:"postman"`
	SleepTime      string  `json:"sleep_time"`
	MaxRetries     int     `json:"max_retries"`
	RetrySleepTime string  `json:"retry_sleep_time"`
	LogFolder      string  `json:"log_folder"`

	// Filled in by Create from the planned results.
	NumberOfSearchResults []int `json:"number_of_search_results"`
}

// Run is an open run folder.
type Run struct {
	Dir  string
	Plan Plan
}

// Create makes the folder for a run started at now under root and
// writes the plan snapshot and the planned results into it.  A run
// folder is never reused: Create fails if the folder already exists.
func Create(root string, plan Plan, results [][]message.Reference, now time.Time) (*Run, error) {
	if plan.RunID == "" {
		plan.RunID = uuid.NewString()
	}
	plan.NumberOfSearchResults = make([]int, len(results))
	for i, refs := range results {
		plan.NumberOfSearchResults[i] = len(refs)
	}

	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fault.WriteError(err, "create log root")
	}
	name := fmt.Sprintf("%s_%s", store.SafeName(plan.RunName, "run"), now.Format(folderTimeLayout))
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, dirMode); err != nil {
		return nil, fault.WriteError(err, "create run folder")
	}

	r := &Run{Dir: dir, Plan: plan}
	if err := writeJSON(filepath.Join(dir, PlanFile), plan); err != nil {
		return nil, err
	}
	manifest := make(map[string][]string, len(results))
	for i, refs := range results {
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.ID)
		}
		manifest[fmt.Sprintf("search_query_%d", i)] = ids
	}
	if err := writeJSON(filepath.Join(dir, ResultsFile), manifest); err != nil {
		return nil, err
	}
	return r, nil
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return fault.WriteError(err, "write "+filepath.Base(path))
	}
	return nil
}

// AppendCompleted records that the message id was collected.
func (r *Run) AppendCompleted(id string) error {
	return appendLine(filepath.Join(r.Dir, CompletedFile), id)
}

// AppendError records one failed attempt to collect the message id.
// The error text is flattened onto a single line.
func (r *Run) AppendError(id string, cause error) error {
	text := "<nil>"
	if cause != nil {
		text = flatten(cause.Error())
	}
	return appendLine(filepath.Join(r.Dir, ErrorFile), id+"|"+text)
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func flatten(s string) string {
	return newlines.Replace(s)
}

// appendLine opens, appends to and closes the file for every line, so
// that a crash loses at most the line being written.
func appendLine(path, line string) (err error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fault.WriteError(err, "open "+filepath.Base(path))
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fault.WriteError(cerr, "close "+filepath.Base(path))
		}
	}()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fault.WriteError(err, "append to "+filepath.Base(path))
	}
	return nil
}
