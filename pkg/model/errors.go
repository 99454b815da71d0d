// Copyright 2024 Forgewatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain errors for retry and propagation decisions.
// Boundary code converts kinds to external forms; internal code passes
// them through intact.
type ErrorKind int

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation ErrorKind = iota + 1
	// KindAuth marks unauthenticated, unauthorized or wrong-tenant access.
	KindAuth
	// KindQuotaExceeded marks a quota check failure.
	KindQuotaExceeded
	// KindNotFound marks a missing entity, including rows filtered out by
	// tenant scoping.
	KindNotFound
	// KindConflict marks version or lock contention. Retried once.
	KindConflict
	// KindTransient marks network, timeout or 5xx dependency failures.
	// Retried with exponential backoff per channel rules.
	KindTransient
	// KindPermanent marks schema, constraint or programmer errors. The
	// enclosing operation fails closed.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error is a domain error with a kind and a stable machine-readable code.
type Error struct {
	Kind ErrorKind
	// Code is a stable identifier surfaced to callers, e.g.
	// "invalid_state_transition", "quota_exceeded", "ssrf_blocked".
	Code string
	// Msg is the human-readable description.
	Msg string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf constructs a domain error with a formatted message.
func Errorf(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind and code, preserving the cause chain.
func WrapError(kind ErrorKind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf returns the kind of err, or KindPermanent for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindPermanent
}

// CodeOf returns the stable code of err, or "" for unclassified errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsNotFound reports whether err marks a missing or tenant-filtered entity.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err marks version or lock contention.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
