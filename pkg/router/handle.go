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
	"context"

	"github.com/turtacn/morpheus-go/pkg/actor"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/registry"
)

type mailboxHandle struct {
	mb *actor.Mailbox
}

// MailboxHandle returns a delivery handle that enqueues onto mb. Once mb is
// closed, Deliver fails with actor.ErrMailboxClosed instead of blocking.
func MailboxHandle(mb *actor.Mailbox) registry.DeliveryHandle {
	return mailboxHandle{mb: mb}
}

func (h mailboxHandle) Deliver(ctx context.Context, m message.Message) error {
	return h.mb.Send(ctx, m)
}
