package models

import "maunium.net/go/mautrix/id"

// Member is the cached record for one room member.
type Member struct {
	DisplayName string `json:"display_name"`
	PowerLevel  int    `json:"power_level"`
}

// Topic is a room topic together with who set it and when.
type Topic struct {
	Text  string    `json:"text"`
	SetBy id.UserID `json:"set_by"`
	SetAt int64     `json:"set_at"` // milliseconds since epoch
}

// BridgeRef names one side of an m.bridge payload (protocol, network, or
// remote channel).
type BridgeRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// BridgeInfo describes that a Matrix room mirrors a conversation on a
// foreign network.
type BridgeInfo struct {
	Protocol BridgeRef `json:"protocol"`
	Network  BridgeRef `json:"network"`
	Channel  BridgeRef `json:"channel"`
}

// Room is the cached state of a Matrix room as reported by /sync.
// The zero value is a valid unseen room.
type Room struct {
	CanonicalAlias string                `json:"canonical_alias,omitempty"`
	Name           string                `json:"name,omitempty"`
	Topic          *Topic                `json:"topic,omitempty"`
	Type           string                `json:"type,omitempty"`
	Members        map[id.UserID]Member  `json:"members,omitempty"`
	PowerLevels    map[id.UserID]int     `json:"power_levels,omitempty"`
	Bridge         *BridgeInfo           `json:"bridge,omitempty"`
	Synced         bool                  `json:"synced"`
}

// RoomTypeSpace marks rooms excluded from channel listings.
const RoomTypeSpace = "m.space"

// ListEntry is one row of a channel listing.
type ListEntry struct {
	Channel string `json:"channel"`
	Members string `json:"members"`
	Topic   string `json:"topic"`
}
