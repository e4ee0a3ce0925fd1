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

// Package collect drives a collection run: every planned message is
// materialized in order, with retries, and every outcome is logged.
package collect

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/runlog"
)

// Materializer downloads and stores a single message.
type Materializer interface {
	Materialize(ctx context.Context, ref message.Reference) (*message.Metadata, error)
}

// Recoverer re-establishes the provider session after a failed
// attempt.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// RecoverFunc adapts a function to a Recoverer.
type RecoverFunc func(ctx context.Context) error

func (f RecoverFunc) Recover(ctx context.Context) error { return f(ctx) }

// Recorder receives a copy of every outcome, for example to keep a
// catalog.  Its errors never change the outcome of a message.
type Recorder interface {
	RecordRun(ctx context.Context, plan runlog.Plan, dir string) error
	RecordMessage(ctx context.Context, runID string, ref message.Reference, md *message.Metadata) error
	RecordFailure(ctx context.Context, runID, messageID string, attempt int, cause error) error
}

// Summary counts the outcomes of a run.
type Summary struct {
	Completed      int
	Abandoned      int
	FailedAttempts int
}

// Collector processes planned messages one at a time.
type Collector struct {
	Materializer Materializer

	// Optional.
	Recoverer Recoverer
	Recorder  Recorder

	// SleepTime is waited after every message, RetryDelay before
	// every retry.
	SleepTime  time.Duration
	RetryDelay time.Duration

	// Attempts per message, counting the first.  Values below 1 are
	// treated as 1.
	MaxRetries int

	// Sleep waits for d or until ctx is done.  Nil selects a real
	// timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// state of a single message.
type state int

const (
	attempting state = iota
	retrying
	abandoned
	done
)

// Run processes results in order, query by query, logging outcomes to
// run.  A message that cannot be collected is abandoned after
// MaxRetries attempts and the run moves on.  Run fails only when the
// run log cannot be written or ctx is done.
func (c *Collector) Run(ctx context.Context, run *runlog.Run, results [][]message.Reference) (Summary, error) {
	var sum Summary
	if c.Recorder != nil {
		if err := c.Recorder.RecordRun(ctx, run.Plan, run.Dir); err != nil {
			c.logger().Warn("recording run failed", "run_id", run.Plan.RunID, "err", err)
		}
	}
	for qi, refs := range results {
		c.logger().Info("collecting search query", "index", qi, "messages", len(refs))
		for i, ref := range refs {
			if err := ctx.Err(); err != nil {
				return sum, errors.Wrap(err, "collection interrupted")
			}
			if err := c.collect(ctx, run, ref, &sum); err != nil {
				return sum, err
			}
			c.logger().Info("progress", "query", qi, "done", i+1, "total", len(refs))
			if err := c.sleep(ctx, c.SleepTime); err != nil {
				return sum, errors.Wrap(err, "collection interrupted")
			}
		}
	}
	return sum, nil
}

// collect runs the state machine for one message until it is done or
// abandoned.
func (c *Collector) collect(ctx context.Context, run *runlog.Run, ref message.Reference, sum *Summary) error {
	limit := c.MaxRetries
	if limit < 1 {
		limit = 1
	}
	st := attempting
	failures := 0
	for {
		switch st {
		case attempting:
			md, err := c.Materializer.Materialize(ctx, ref)
			if err == nil {
				if err := run.AppendCompleted(ref.ID); err != nil {
					return errors.Wrapf(err, "logging completion of %v", ref.ID)
				}
				if c.Recorder != nil {
					if rerr := c.Recorder.RecordMessage(ctx, run.Plan.RunID, ref, md); rerr != nil {
						c.logger().Warn("recording message failed", "id", ref.ID, "err", rerr)
					}
				}
				st = done
				continue
			}
			failures++
			sum.FailedAttempts++
			if lerr := run.AppendError(ref.ID, err); lerr != nil {
				return errors.Wrapf(lerr, "logging failure of %v", ref.ID)
			}
			c.logger().Warn("attempt failed", "id", ref.ID, "attempt", failures, "max", limit, "err", err)
			if c.Recorder != nil {
				if rerr := c.Recorder.RecordFailure(ctx, run.Plan.RunID, ref.ID, failures, err); rerr != nil {
					c.logger().Warn("recording failure failed", "id", ref.ID, "err", rerr)
				}
			}
			if failures < limit {
				st = retrying
			} else {
				st = abandoned
			}
		case retrying:
			if c.Recoverer != nil {
				if err := c.Recoverer.Recover(ctx); err != nil {
					c.logger().Warn("session recovery failed", "id", ref.ID, "err", err)
				}
			}
			if err := c.sleep(ctx, c.RetryDelay); err != nil {
				return errors.Wrap(err, "collection interrupted")
			}
			st = attempting
		case abandoned:
			c.logger().Error("abandoned message", "id", ref.ID, "attempts", failures)
			sum.Abandoned++
			return nil
		case done:
			c.logger().Debug("collected message", "id", ref.ID, "attempts", failures+1)
			sum.Completed++
			return nil
		}
	}
}

func (c *Collector) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Collector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}
