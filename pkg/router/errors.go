// Copyright 2025 The morpheus-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"errors"

	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/registry"
)

// Common router errors
var (
	ErrPolicyViolation      = errors.New("policy violation")
	ErrUnknownRecipient     = errors.New("unknown recipient")
	ErrUnknownParentMessage = errors.New("unknown parent message")
	ErrNotAddressedToSender = errors.New("parent message was not addressed to sender")
	ErrEmptyPayload         = errors.New("empty payload")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrShutdown             = errors.New("router is shut down")
)

// Wire codes carried by rejection frames and used as metric labels.
const (
	CodePolicyViolation      = "policy_violation"
	CodeUnknownRecipient     = "unknown_recipient"
	CodeUnknownParentMessage = "unknown_parent_message"
	CodeNotAddressedToSender = "not_addressed_to_sender"
	CodeEmptyPayload         = "empty_payload"
	CodeRateLimited          = "rate_limited"
	CodeShutdown             = "shutting_down"
	CodeUnknownMessage       = "unknown_message"
	CodeUnexpectedRecipient  = "unexpected_recipient"
	CodeDuplicateMessage     = "duplicate_message"
	CodeDuplicateIdentity    = "duplicate_identity"
	CodeNotFound             = "not_found"
	CodeEmptyTopic           = "empty_topic"
	CodeMalformedFrame       = "malformed_frame"
	CodeInternal             = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrPolicyViolation, CodePolicyViolation},
	{ErrUnknownRecipient, CodeUnknownRecipient},
	{ErrUnknownParentMessage, CodeUnknownParentMessage},
	{ErrNotAddressedToSender, CodeNotAddressedToSender},
	{ErrEmptyPayload, CodeEmptyPayload},
	{ErrRateLimited, CodeRateLimited},
	{ErrShutdown, CodeShutdown},
	{ack.ErrUnknownMessage, CodeUnknownMessage},
	{ack.ErrUnexpectedRecipient, CodeUnexpectedRecipient},
	{ack.ErrDuplicateMessage, CodeDuplicateMessage},
	{registry.ErrDuplicateIdentity, CodeDuplicateIdentity},
	{registry.ErrNotFound, CodeNotFound},
	{registry.ErrEmptyTopic, CodeEmptyTopic},
	{message.ErrMalformedFrame, CodeMalformedFrame},
}

// Code maps an error to its stable wire code. Errors outside the taxonomy,
// including registry invariant failures, map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if registry.IsInvariant(err) {
		return CodeInternal
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
