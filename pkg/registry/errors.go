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

package registry

import (
	"errors"
	"fmt"

	"github.com/turtacn/morpheus-go/pkg/message"
)

// Common registry errors
var (
	ErrDuplicateIdentity = errors.New("client identity already registered")
	ErrNotFound          = errors.New("client not found")
	ErrEmptyTopic        = errors.New("topic name cannot be empty")
	ErrReservedIdentity  = errors.New("client identity is reserved for the administrator")
)

// InvariantError reports that the registry and the topic directory disagree.
// It signals a logic bug, not a client mistake, and is never reported to a
// client as a rejection.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("registry invariant violated during %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// IsInvariant reports whether err is or wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func errMissingMember(id message.ClientID, topicName string) error {
	return fmt.Errorf("client %s has topic %q but is not listed there", id, topicName)
}

func errMemberCount(topicName string, listed, expected int) error {
	return fmt.Errorf("topic %q lists %d members, registry has %d", topicName, listed, expected)
}
