// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apperr defines the error taxonomy shared across the core (spec §7):
// a stable kind code plus a human-readable message, so callers can branch on
// kind without string-matching and the API layer can map kinds to HTTP status
// codes in one place.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification, not a type name.
type Kind string

const (
	// KindClientInput covers bad identifiers, illegal state transitions,
	// validation failures. Surfaced synchronously; no state change.
	KindClientInput Kind = "client_input"

	// KindResourceUnavailable covers no runner of required type, a lost
	// claim race, a busy continuation runner.
	KindResourceUnavailable Kind = "resource_unavailable"

	// KindTransientRuntime covers socket drop mid-job, ack timeout, step
	// timeout. Handled locally; surfaced for observability.
	KindTransientRuntime Kind = "transient_runtime"

	// KindGit covers merge conflict, rebase conflict, invalid ref.
	KindGit Kind = "git"

	// KindIntegrity covers Store constraint violations and orphans
	// discovered at startup.
	KindIntegrity Kind = "integrity"

	// KindFatal covers Store unreachable, data root unwritable. The
	// process refuses to serve and exits.
	KindFatal Kind = "fatal"
)

// Error is the error type every user-visible failure should carry.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts an *Error from err, reporting whether one was found.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// AlreadyExists is a convenience constructor for the idempotent-insert case
// described in spec §4.A ("unique-constraint violation on idempotent inserts
// is translated to 'already exists' (non-fatal)").
func AlreadyExists(entity, id string) *Error {
	return New(KindClientInput, fmt.Sprintf("%s %s already exists", entity, id))
}

// Retryable is a convenience constructor for the optimistic-version-mismatch
// case described in spec §4.A.
func Retryable(message string) *Error {
	return New(KindTransientRuntime, message)
}
