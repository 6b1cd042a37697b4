// Package channel delivers retention messages over the tenants' messaging channels.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// ErrChannelNotConnected is returned when the tenant's channel has no live session.
var ErrChannelNotConnected = errors.New("channel not connected")

// Sender delivers text over one channel kind. channelID selects the tenant's
// account within that kind.
type Sender interface {
	Kind() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, channelID string, c tenant.Client, text string) error
}

// Inbound is a client message observed on a channel.
type Inbound struct {
	Kind      string
	ChannelID string
	MessageID string
	Sender    string
	Text      string
	At        time.Time
}

// Hooks receive channel events. Nil hooks are skipped.
type Hooks struct {
	OnInbound    func(Inbound)
	OnConnection func(kind, channelID string, connected bool)
}

func (h Hooks) inbound(in Inbound) {
	if h.OnInbound != nil {
		h.OnInbound(in)
	}
}

func (h Hooks) connection(kind, channelID string, connected bool) {
	if h.OnConnection != nil {
		h.OnConnection(kind, channelID, connected)
	}
}
