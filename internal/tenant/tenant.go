// Package tenant holds the descriptors shared by the scoring cycle: coaching
// tenants, their messaging channel and their clients.
package tenant

import (
	"strings"
	"time"
)

// Channel kinds a tenant can be connected through.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
)

// Channel identifies the messaging account a tenant sends from.
type Channel struct {
	Kind string
	ID   string
}

type Tenant struct {
	ID       string
	Name     string
	Channel  Channel
	Timezone string
	Active   bool
	// Connected is maintained by the channel connection lifecycle, not by the cycle.
	Connected bool
}

// Location resolves the tenant timezone, falling back when unset or unknown.
func (t Tenant) Location(fallback *time.Location) *time.Location {
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}

// Client is one coached person. Phone is the stable identity used in action keys.
type Client struct {
	TenantID string
	Phone    string
	Name     string
	// ChatID is the Telegram chat for clients reached over Telegram.
	ChatID string
}

// DisplayName returns the first name when known, otherwise the phone.
func (c Client) DisplayName() string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return c.Phone
	}
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}
