// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package tss

import (
	"errors"
	"fmt"
)

// Error carries a result code through an error chain. Package level sentinel
// errors are *Error values so that errors.Is matches by identity and
// errors.As recovers the code after wrapping.
type Error struct {
	Result Result
	Msg    string
}

// NewError returns an *Error with the given code and message.
func NewError(r Result, msg string) *Error {
	return &Error{Result: r, Msg: msg}
}

// FromDevice wraps a raw TPM return code.
func FromDevice(code uint32) *Error {
	return &Error{Result: Result(code)}
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s (%s)", e.Msg, e.Result)
	}
	return e.Result.String()
}

// Code returns the result code that represents err on the wire. A nil error
// is Success, an error chain containing an *Error yields that error's code,
// and anything else is an internal TCS error.
func Code(err error) Result {
	if err == nil {
		return Success
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Result
	}
	return TCS(EInternalError)
}

// Is reports whether err carries the result code r.
func Is(err error, r Result) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Result == r
	}
	return false
}
