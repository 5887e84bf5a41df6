// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code carried on every domain error and
// every error event. Codes are part of the client contract and must not be
// renumbered.
type Code int

const (
	CodeSuccess   Code = 1
	CodeFail      Code = -1
	CodeUndefined Code = -2

	CodeSessionNotFound   Code = -1301
	CodeMessageInvalid    Code = -1302
	CodeRateLimitExceeded Code = -1303
	CodeChatCreate        Code = -1304
	CodeChatDelete        Code = -1305
	CodeChatAccessDenied  Code = -1306
	CodeMessageSend       Code = -1307
	CodeAIResponse        Code = -1308
	CodeGenerationCancel  Code = -1309
	CodeHistoryLoad       Code = -1310
	CodeTitleGeneration   Code = -1311

	CodeDatabaseConnection  Code = -1401
	CodeDatabaseQuery       Code = -1402
	CodeDatabaseTransaction Code = -1403

	CodeCacheConnection Code = -1501
	CodeCacheOperation  Code = -1502

	CodeValidation     Code = -1601
	CodeFieldMissing   Code = -1602
	CodeInvalidFormat  Code = -1603
	CodeProviderConfig Code = -2001
	CodeProviderLookup Code = -2002
)

// String renders the numeric code for metric labels.
func (c Code) String() string { return fmt.Sprintf("%d", c) }

// DomainError pairs a stable code with a human-readable message. Unexpected
// internal errors are wrapped under CodeUndefined so raw details never reach
// the client contract.
type DomainError struct {
	Code    Code
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewError constructs a DomainError without an underlying cause.
func NewError(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// WrapError attaches a stable code and message to an underlying error.
func WrapError(code Code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// ErrorCode extracts the stable code from err, descending the wrap chain.
// Non-domain errors map to CodeUndefined.
func ErrorCode(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUndefined
}
