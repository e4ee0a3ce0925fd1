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

// Package fault classifies the errors raised while collecting mail.
//
// Every error that crosses a package boundary in the collection
// pipeline is tagged with a Kind, so that callers can tell an expired
// credential from a full disk without string matching.  Tagged errors
// still wrap their cause and work with errors.Cause and errors.As.
package fault

import (
	"github.com/pkg/errors"
)

// Kind is the class of a failure.
type Kind int

const (
	// Unknown is the kind of errors that were never tagged.
	Unknown Kind = iota

	// Auth: credentials are invalid or expired.
	Auth

	// Fetch: the provider or the network failed to deliver a
	// message or attachment.
	Fetch

	// Write: the local filesystem refused a write, including an
	// output folder that already exists.
	Write

	// Decode: a payload was not valid base64url.
	Decode
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Fetch:
		return "fetch"
	case Write:
		return "write"
	case Decode:
		return "decode"
	}
	return "unknown"
}

// Error is a failure tagged with its Kind and the operation that
// failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + " error: " + e.Err.Error()
	}
	return e.Kind.String() + " error: " + e.Op + ": " + e.Err.Error()
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Cause supports errors.Cause.
func (e *Error) Cause() error { return e.Err }

func tag(kind Kind, err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// AuthError tags err as an Auth failure.  Returns nil if err is nil.
func AuthError(err error, op string) error { return tag(Auth, err, op) }

// FetchError tags err as a Fetch failure.  Returns nil if err is nil.
func FetchError(err error, op string) error { return tag(Fetch, err, op) }

// WriteError tags err as a Write failure.  Returns nil if err is nil.
func WriteError(err error, op string) error { return tag(Write, err, op) }

// DecodeError tags err as a Decode failure.  Returns nil if err is nil.
func DecodeError(err error, op string) error { return tag(Decode, err, op) }

// KindOf returns the Kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err's chain contains an error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
