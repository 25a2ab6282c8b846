package domain

import (
	"errors"
	"time"
)

// ErrChannelNotFound is returned when a channel ID is not known to the store.
var ErrChannelNotFound = errors.New("channel not found")

// ChannelType names the messaging platform behind a channel.
type ChannelType string

const (
	ChannelTypeWhatsApp  ChannelType = "whatsapp"
	ChannelTypeTelegram  ChannelType = "telegram"
	ChannelTypeInstagram ChannelType = "instagram"
	ChannelTypeMessenger ChannelType = "messenger"
)

// KnownChannelTypes lists the channel types the back office knows how to pair.
var KnownChannelTypes = []ChannelType{
	ChannelTypeWhatsApp,
	ChannelTypeTelegram,
	ChannelTypeInstagram,
	ChannelTypeMessenger,
}

// ChannelRecord is the durable view of a channel as kept by the store.
// The store owns the ID; nothing else ever generates one.
type ChannelRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         ChannelType     `json:"type"`
	Connected    bool            `json:"connected"`
	State        ConnectionState `json:"state"`
	LastError    string          `json:"lastError,omitempty"`
	LastSyncedAt time.Time       `json:"lastSyncedAt,omitzero"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ChannelStateUpdate is the partial record written after a state change.
type ChannelStateUpdate struct {
	State        ConnectionState `json:"state"`
	Connected    bool            `json:"connected"`
	LastError    string          `json:"lastError,omitempty"`
	LastSyncedAt time.Time       `json:"lastSyncedAt"`
}

// ChannelStatus reports the runtime state of a channel alongside its record.
type ChannelStatus struct {
	ChannelRecord
	Session *ChannelSession `json:"session,omitempty"`
}

// OutboundMessage is a message to be sent via a connected channel.
type OutboundMessage struct {
	ChannelID string `json:"channelId"`
	To        string `json:"to"`
	Body      string `json:"body"`
}
