package rooms

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/models"
)

// AliasTable maps bridge protocol and network identifiers to the short names
// used when deriving IRC channel names for bridged rooms.
type AliasTable struct {
	Protocols map[string]string `yaml:"protocols"`
	Networks  map[string]string `yaml:"networks"`
}

// DefaultAliases returns the built-in protocol/network alias table.
func DefaultAliases() *AliasTable {
	return &AliasTable{
		Protocols: map[string]string{
			"discordgo":  "discord",
			"googlechat": "gchat",
		},
		Networks: map[string]string{},
	}
}

// LoadAliases reads alias overrides from a YAML file and merges them over the
// defaults.
func LoadAliases(path string) (*AliasTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias table: %w", err)
	}

	var overrides AliasTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}

	table := DefaultAliases()
	for k, v := range overrides.Protocols {
		table.Protocols[k] = v
	}
	for k, v := range overrides.Networks {
		table.Networks[k] = v
	}
	return table, nil
}

var remoteSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeLocal makes a string usable as the local part of an IRC channel
// name. Channel names starting with @ denote bridged direct messages.
func sanitizeLocal(s string) string {
	replaced := strings.NewReplacer("@", "-", " ", "-", ":", "-").Replace(s)
	switch {
	case replaced == "":
		return "@"
	case strings.ContainsRune("#!&@", rune(replaced[0])):
		return replaced
	default:
		return "@" + replaced
	}
}

func sanitizeRemote(s string) string {
	return remoteSanitizer.ReplaceAllString(s, "-")
}

func (t *AliasTable) protocolName(info *models.BridgeInfo) string {
	if alias, ok := t.Protocols[info.Protocol.ID]; ok {
		return alias
	}
	if info.Protocol.Name != "" {
		return info.Protocol.Name
	}
	return info.Protocol.ID
}

func (t *AliasTable) networkName(info *models.BridgeInfo) string {
	if alias, ok := t.Networks[info.Network.ID]; ok {
		return alias
	}
	return info.Network.Name
}

// ChannelName derives the IRC channel name for a room. The result is a pure
// function of the room ID and the room state fields consulted here:
//
//  1. the canonical alias, verbatim, when set;
//  2. for bridged rooms, "<local>:<network>.<protocol>" built from the bridge
//     info, the room name, and the room ID localpart;
//  3. the raw room ID otherwise.
func (t *AliasTable) ChannelName(roomID id.RoomID, room models.Room) string {
	if room.CanonicalAlias != "" {
		return room.CanonicalAlias
	}

	if room.Bridge != nil {
		local := room.Bridge.Channel.Name
		if local == "" {
			local = room.Name
		}
		if local == "" {
			local, _, _ = strings.Cut(string(roomID), ":")
		}
		local = sanitizeLocal(local)

		remote := sanitizeRemote(t.protocolName(room.Bridge))
		if network := sanitizeRemote(t.networkName(room.Bridge)); network != "" && network != "-" {
			remote = network + "." + remote
		}
		return local + ":" + remote
	}

	return string(roomID)
}
