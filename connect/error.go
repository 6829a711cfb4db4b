// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrFormNotFound      = errors.New("form not found")
	ErrMissingToken      = errors.New("token is missing")
	ErrUnverifiedToken   = errors.New("token signature not verified")
	ErrIdGeneratorFailed = errors.New("id generation failed")
)

// Kind classifies an Err. Kinds are errors themselves so callers can match
// with errors.Is(err, connect.KindThrottled).
type Kind uint32

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuthentication
	KindAccountLocked
	KindEULARequired
	KindLoginFailed
	KindTokenExpired
	KindThrottled
	KindServiceUnavailable
	KindUnsupportedOperation
	KindInvalidRequest
	KindRequestInProgress
	KindHandshake
	KindRequest
	KindDispatch
	// KindUnauthorized is a 401 from a service: the bearer token was
	// rejected. Ensure the audience again before retrying.
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown error",
	KindConfig:               "configuration error",
	KindAuthentication:       "authentication failed",
	KindAccountLocked:        "account locked",
	KindEULARequired:         "terms and conditions must be accepted",
	KindLoginFailed:          "login failed",
	KindTokenExpired:         "token expired",
	KindThrottled:            "throttled",
	KindServiceUnavailable:   "service unavailable",
	KindUnsupportedOperation: "unsupported operation",
	KindInvalidRequest:       "invalid request",
	KindRequestInProgress:    "request in progress",
	KindHandshake:            "handshake failed",
	KindRequest:              "request failed",
	KindDispatch:             "dispatch failed",
	KindUnauthorized:         "unauthorized",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Err is the error type returned by this package. Kind drives how callers
// react; the remaining fields describe the failure.
type Err struct {
	Kind Kind
	Op   string
	Msg  string

	// StatusCode is the http status that caused the error, when there was one.
	StatusCode int

	// RetryAfter is how long the provider asked to wait before trying again.
	RetryAfter time.Duration

	Wrapped error
}

// NewError creates a new Err of kind k.
//
// Supported options: WithOp, WithMsg, WithWrap, WithStatusCode, WithRetryAfter
func NewError(k Kind, opt ...Option) *Err {
	opts := getErrOpts(opt...)
	return &Err{
		Kind:       k,
		Op:         opts.withOp,
		Msg:        opts.withMsg,
		StatusCode: opts.withStatusCode,
		RetryAfter: opts.withRetryAfter,
		Wrapped:    opts.withWrap,
	}
}

// Error satisfies the error interface: "op: msg: wrapped". The kind is used
// when there's no message.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	switch {
	case e.Msg != "":
		parts = append(parts, e.Msg)
	default:
		parts = append(parts, e.Kind.String())
	}
	if e.Wrapped != nil {
		parts = append(parts, e.Wrapped.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the wrapped error.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

// Is matches a Kind target against the error's kind.
func (e *Err) Is(target error) bool {
	if e == nil {
		return false
	}
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the outermost Err in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfter returns the first cool-down found in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	for err != nil {
		var e *Err
		if !errors.As(err, &e) {
			return 0, false
		}
		if e.RetryAfter > 0 {
			return e.RetryAfter, true
		}
		err = e.Wrapped
	}
	return 0, false
}

// Advice returns a short, user facing suggestion for err.
func Advice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, KindAccountLocked):
		if d, ok := RetryAfter(err); ok {
			return "account is locked, wait " + d.String() + " before trying again"
		}
		return "account is locked, wait before trying again"
	case errors.Is(err, KindEULARequired):
		return "accept the updated terms and conditions in the official app"
	case errors.Is(err, KindThrottled):
		return "rate limit reached, wait before trying again"
	case errors.Is(err, KindServiceUnavailable), errors.Is(err, KindDispatch):
		return "service is temporarily unavailable, retry later"
	case errors.Is(err, KindConfig):
		return "check the configuration"
	case errors.Is(err, KindAuthentication), errors.Is(err, KindLoginFailed):
		return "check the username and password"
	case errors.Is(err, KindTokenExpired):
		return "session expired, log in again"
	case errors.Is(err, KindUnauthorized):
		return "request was not authorized, refresh the tokens and retry"
	case errors.Is(err, KindUnsupportedOperation):
		return "operation isn't supported by this vehicle"
	default:
		return "unexpected error, retry later"
	}
}
