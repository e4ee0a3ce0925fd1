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

// Package persist keeps a SQLite catalog of collection runs and the
// messages they collected.  The catalog is written, never read back
// by the collector: the files on disk and the run logs stay the source
// of truth.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/runlog"
)

var (
	createTableSql = []string{
		// The collection_runs table holds one row per run.
		//
		// Field: run_id
		//
		//   The UUID recorded in the run's collection_plan.json.
		//
		// Field: log_dir
		//
		//   The run folder holding the plan and the append-only
		//   logs.
		//
		// Field: plan
		//
		//   The plan snapshot, as JSON.
		`
CREATE TABLE IF NOT EXISTS collection_runs (
run_id TEXT NOT NULL PRIMARY KEY,
run_name TEXT NOT NULL,
log_dir TEXT NOT NULL,
plan TEXT NOT NULL,
started_at TIMESTAMP NOT NULL
);`,
		// The gmail_messages table holds one row per collected
		// message.
		//
		// Field: message_id
		//
		//   GMail API: Users.messages resource "id" field.
		//
		// Field: thread_id
		//
		//   GMail API: Users.messages resource "threadId" field.
		//   Empty when the search did not report it.
		//
		// Field: run_id
		//
		//   The run that last collected the message.  A message
		//   collected again by a later run is replaced.
		//
		// Fields: sender, recipients, subject, sent_date
		//
		//   Header values from the message's metadata.json.
		`
CREATE TABLE IF NOT EXISTS gmail_messages (
message_id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
run_id TEXT NOT NULL,
sender TEXT NOT NULL,
recipients TEXT NOT NULL,
subject TEXT NOT NULL,
sent_date TEXT NOT NULL,
texts INTEGER NOT NULL,
htmls INTEGER NOT NULL,
attachments INTEGER NOT NULL,
collected_at TIMESTAMP NOT NULL
);`,
		// The gmail_message_labels table maps messages to labels.
		//
		// Field: message_id
		//
		//   As in gmail_messages.message_id.
		//
		// Field: label_id
		//
		//   GMail API: Users.labels resource "id"
		`
CREATE TABLE IF NOT EXISTS gmail_message_labels (
message_id TEXT NOT NULL,
label_id TEXT NOT NULL,
PRIMARY KEY (message_id, label_id)
FOREIGN KEY (message_id) REFERENCES gmail_messages (message_id)
);`,
		// The failed_attempts table mirrors error_log.json: one row
		// per failed attempt to collect a message.
		//
		// Field: attempt
		//
		//   1 for the first attempt of the message in its run.
		`
CREATE TABLE IF NOT EXISTS failed_attempts (
id INTEGER PRIMARY KEY,
run_id TEXT NOT NULL,
message_id TEXT NOT NULL,
attempt INTEGER NOT NULL,
error TEXT NOT NULL,
failed_at TIMESTAMP NOT NULL
);`,
	}
)

type DB struct {
	db     *sql.DB
	logger *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  A second gmailcollect
	// writing the same catalog should wait, not fail.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Debug("opening catalog", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, logger: logger, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	for _, sql := range createTableSql {
		logger.Debug("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// inTx runs f in a transaction, committing if it succeeds.
func (db *DB) inTx(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

// RecordRun adds a run to the catalog.
func (db *DB) RecordRun(ctx context.Context, plan runlog.Plan, dir string) error {
	b, err := json.Marshal(plan)
	if err != nil {
		return errors.Wrap(err, "encoding plan")
	}
	return db.inTx(ctx, func(tx *Tx) error {
		return tx.InsertRun(ctx, plan.RunID, plan.RunName, dir, string(b), db.now())
	})
}

// RecordMessage adds or replaces a collected message and its labels.
func (db *DB) RecordMessage(ctx context.Context, runID string, ref message.Reference, md *message.Metadata) error {
	return db.inTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertMessage(ctx, runID, ref, md, db.now()); err != nil {
			return err
		}
		return tx.ReplaceLabels(ctx, md.MessageID, md.LabelIDs)
	})
}

// RecordFailure adds a failed attempt.
func (db *DB) RecordFailure(ctx context.Context, runID, messageID string, attempt int, cause error) error {
	text := ""
	if cause != nil {
		text = cause.Error()
	}
	return db.inTx(ctx, func(tx *Tx) error {
		return tx.InsertFailure(ctx, runID, messageID, attempt, text, db.now())
	})
}

func (tx *Tx) InsertRun(ctx context.Context, runID, runName, dir, plan string, startedAt time.Time) error {
	const sql = `INSERT INTO collection_runs
		(run_id, run_name, log_dir, plan, started_at) values ($1, $2, $3, $4, $5)`
	if _, err := tx.tx.ExecContext(ctx, sql, runID, runName, dir, plan, startedAt.UTC()); err != nil {
		return errors.Wrap(err, "db insert failed for collection_runs")
	}
	return nil
}

func (tx *Tx) UpsertMessage(ctx context.Context, runID string, ref message.Reference, md *message.Metadata, at time.Time) error {
	const sql = `INSERT INTO gmail_messages
		(message_id, thread_id, run_id, sender, recipients, subject, sent_date,
		 texts, htmls, attachments, collected_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id)
		DO UPDATE SET (thread_id, run_id, sender, recipients, subject, sent_date,
		 texts, htmls, attachments, collected_at) =
		($2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := tx.tx.ExecContext(ctx, sql, md.MessageID, ref.ThreadID, runID,
		md.From, md.To, md.Subject, md.Date,
		len(md.Contents.Texts), len(md.Contents.HTMLs), len(md.Contents.Attachments),
		at.UTC())
	if err != nil {
		return errors.Wrap(err, "db upsert failed for gmail_messages")
	}
	return nil
}

func (tx *Tx) ReplaceLabels(ctx context.Context, messageID string, labelIDs []string) error {
	sql := `DELETE FROM gmail_message_labels WHERE message_id = $1`
	if _, err := tx.tx.ExecContext(ctx, sql, messageID); err != nil {
		return errors.Wrap(err, "db unlabel failed")
	}

	sql = `INSERT OR IGNORE INTO gmail_message_labels (message_id, label_id) values ($1, $2)`
	label, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for label")
	}
	defer label.Close()

	for _, labelID := range labelIDs {
		if _, err = label.ExecContext(ctx, messageID, labelID); err != nil {
			return errors.Wrap(err, "db label failed")
		}
	}
	return nil
}

func (tx *Tx) InsertFailure(ctx context.Context, runID, messageID string, attempt int, text string, at time.Time) error {
	const sql = `INSERT INTO failed_attempts
		(run_id, message_id, attempt, error, failed_at) values ($1, $2, $3, $4, $5)`
	if _, err := tx.tx.ExecContext(ctx, sql, runID, messageID, attempt, text, at.UTC()); err != nil {
		return errors.Wrap(err, "db insert failed for failed_attempts")
	}
	return nil
}

// RunStats is a per-run summary read back from the catalog.
type RunStats struct {
	RunID          string
	RunName        string
	Messages       int
	FailedAttempts int
}

// Stats returns the summary of a run.
func (db *DB) Stats(ctx context.Context, runID string) (*RunStats, error) {
	const q = `
SELECT r.run_id, r.run_name,
  (SELECT COUNT(*) FROM gmail_messages m WHERE m.run_id = r.run_id),
  (SELECT COUNT(*) FROM failed_attempts f WHERE f.run_id = r.run_id)
FROM collection_runs r WHERE r.run_id = $1`
	var s RunStats
	err := db.db.QueryRowContext(ctx, q, runID).Scan(&s.RunID, &s.RunName, &s.Messages, &s.FailedAttempts)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("no run %q in catalog", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed for run stats")
	}
	return &s, nil
}
