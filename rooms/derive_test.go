package rooms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nethesis/matrix2irc/models"
)

func bridgedRoom(channelName, roomName string) models.Room {
	return models.Room{
		Name: roomName,
		Bridge: &models.BridgeInfo{
			Protocol: models.BridgeRef{ID: "discordgo", Name: "Discord"},
			Network:  models.BridgeRef{ID: "n1", Name: "Cool Guild"},
			Channel:  models.BridgeRef{ID: "c1", Name: channelName},
		},
	}
}

// TestChannelNameCanonicalAlias checks that a canonical alias wins over
// bridge info and the raw room ID.
func TestChannelNameCanonicalAlias(t *testing.T) {
	table := DefaultAliases()
	room := bridgedRoom("general", "")
	room.CanonicalAlias = "#cool:server"
	assert.Equal(t, "#cool:server", table.ChannelName("!abc:server", room))
}

// TestChannelNameFromBridgeInfo derives from bridge info when there is no
// canonical alias and no room name.
func TestChannelNameFromBridgeInfo(t *testing.T) {
	table := DefaultAliases()
	got := table.ChannelName("!abc:server", bridgedRoom("general", ""))
	assert.Equal(t, "@general:Cool-Guild.discord", got)
}

// TestChannelNameDMFallback falls back to the room name when the bridge
// payload has no remote channel name.
func TestChannelNameDMFallback(t *testing.T) {
	table := DefaultAliases()
	got := table.ChannelName("!abc:server", bridgedRoom("", "Alice Example"))
	assert.Equal(t, "@Alice-Example:Cool-Guild.discord", got)
}

// TestChannelNameRoomIDFallback uses the room ID localpart when neither the
// bridge payload nor the room carries a name.
func TestChannelNameRoomIDFallback(t *testing.T) {
	table := DefaultAliases()
	got := table.ChannelName("!abc:server", bridgedRoom("", ""))
	assert.Equal(t, "!abc:Cool-Guild.discord", got)
}

// TestChannelNameUnbridged returns the raw room ID for plain rooms.
func TestChannelNameUnbridged(t *testing.T) {
	table := DefaultAliases()
	assert.Equal(t, "!abc:server", table.ChannelName("!abc:server", models.Room{}))
}

func TestChannelNameProtocolAliases(t *testing.T) {
	tests := []struct {
		name     string
		protocol models.BridgeRef
		want     string
	}{
		{
			name:     "aliased protocol id",
			protocol: models.BridgeRef{ID: "googlechat", Name: "Google Chat"},
			want:     "@x:gchat",
		},
		{
			name:     "unaliased protocol falls back to name",
			protocol: models.BridgeRef{ID: "xmpp2", Name: "XMPP"},
			want:     "@x:XMPP",
		},
		{
			name:     "protocol id when name missing",
			protocol: models.BridgeRef{ID: "slack"},
			want:     "@x:slack",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := DefaultAliases()
			room := models.Room{
				Bridge: &models.BridgeInfo{
					Protocol: tt.protocol,
					Channel:  models.BridgeRef{Name: "x"},
				},
			}
			assert.Equal(t, tt.want, table.ChannelName("!r:server", room))
		})
	}
}

// TestChannelNameDeterminism repeats a derivation to confirm it is pure.
func TestChannelNameDeterminism(t *testing.T) {
	table := DefaultAliases()
	room := bridgedRoom("general", "")
	first := table.ChannelName("!abc:server", room)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, table.ChannelName("!abc:server", room))
	}
}

func TestLoadAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	content := "protocols:\n  xmpp2: xmpp\nnetworks:\n  n1: guild\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadAliases(path)
	require.NoError(t, err)

	// Overrides merged over defaults.
	assert.Equal(t, "xmpp", table.Protocols["xmpp2"])
	assert.Equal(t, "discord", table.Protocols["discordgo"])
	assert.Equal(t, "guild", table.Networks["n1"])

	room := bridgedRoom("general", "")
	assert.Equal(t, "@general:guild.discord", table.ChannelName("!abc:server", room))
}

func TestLoadAliasesMissingFile(t *testing.T) {
	_, err := LoadAliases(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
