package service

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/irc"
	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/matrix"
	"github.com/nethesis/matrix2irc/models"
	"github.com/nethesis/matrix2irc/session"
)

const serverTimeFormat = "2006-01-02T15:04:05.000Z"

// syncLoop long-polls /sync until the connection closes. Transient errors
// back off exponentially; authentication errors terminate the session.
func (c *Connection) syncLoop(ctx context.Context) {
	c.mu.Lock()
	mx := c.mx
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		resp, err := mx.Sync(ctx, c.store.PollSince(), c.cfg.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if matrix.IsAuthError(err) {
				logger.Warn().Str("conn_id", c.ID).Err(err).Msg("matrix session invalidated")
				c.sendNotice("Matrix session is no longer valid, disconnecting")
				c.send(&irc.Message{Command: "ERROR", Params: []string{"Matrix session ended"}})
				c.Close()
				return
			}

			wait := bo.NextBackOff()
			logger.Warn().Str("conn_id", c.ID).Err(err).Dur("retry_in", wait).Msg("sync request failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.applySync(resp)
		c.store.UpdatePollSince(resp.NextBatch)
	}
}

// applySync folds one /sync response into the room cache and drives channel
// lifecycle transitions from the resulting state.
func (c *Connection) applySync(resp *mautrix.RespSync) {
	for roomID, joined := range resp.Rooms.Join {
		for _, evt := range joined.State.Events {
			c.applyStateEvent(roomID, evt)
		}
		c.reconcileChannel(roomID)

		for _, evt := range joined.Timeline.Events {
			if evt.StateKey != nil {
				c.applyStateEvent(roomID, evt)
				continue
			}
			c.applyMessageEvent(roomID, evt)
		}
		c.reconcileChannel(roomID)

		if room, ok := c.store.Room(roomID); ok && !room.Synced {
			c.store.MarkSynced(roomID)
		}
	}

	for roomID := range resp.Rooms.Leave {
		c.mu.Lock()
		name, ok := c.names[roomID]
		delete(c.names, roomID)
		c.mu.Unlock()
		if ok {
			logger.Info().Str("conn_id", c.ID).Str("room_id", string(roomID)).Str("channel", name).Msg("left matrix room")
			c.state.DeleteChannel(name, c.send)
		}
	}
}

// reconcileChannel keeps the channel record in step with the room's derived
// name: first sight creates a pending record, a name change renames it.
func (c *Connection) reconcileChannel(roomID id.RoomID) {
	room, ok := c.store.Room(roomID)
	if !ok {
		return
	}
	name := c.derive(roomID, room)

	c.mu.Lock()
	previous, seen := c.names[roomID]
	c.names[roomID] = name
	c.mu.Unlock()

	switch {
	case !seen:
		c.state.CreateChannel(name, roomID)
	case previous != name:
		logger.Debug().Str("conn_id", c.ID).Str("room_id", string(roomID)).Str("from", previous).Str("to", name).Msg("channel renamed")
		c.state.RenameChannel(previous, name, c.send, c.store)
	}
}

func (c *Connection) applyStateEvent(roomID id.RoomID, evt *event.Event) {
	if evt.ID != "" && c.store.EventHandled(roomID, evt.ID) {
		return
	}

	switch evt.Type.Type {
	case event.StateRoomName.Type:
		c.store.SetName(roomID, rawString(evt, "name"))
	case event.StateTopic.Type:
		c.store.SetTopic(roomID, &models.Topic{
			Text:  rawString(evt, "topic"),
			SetBy: evt.Sender,
			SetAt: evt.Timestamp,
		})
	case event.StateCanonicalAlias.Type:
		c.store.SetCanonicalAlias(roomID, rawString(evt, "alias"))
	case event.StateCreate.Type:
		c.store.SetType(roomID, rawString(evt, "type"))
	case event.StateBridge.Type, event.StateHalfShotBridge.Type:
		c.store.SetBridgeInfo(roomID, &models.BridgeInfo{
			Protocol: bridgeRef(evt.Content.Raw["protocol"]),
			Network:  bridgeRef(evt.Content.Raw["network"]),
			Channel:  bridgeRef(evt.Content.Raw["channel"]),
		})
	case event.StatePowerLevels.Type:
		c.store.SetPowerLevels(roomID, powerLevels(evt.Content.Raw["users"]))
	case event.StateMember.Type:
		c.applyMemberEvent(roomID, evt)
	}

	c.store.MarkEventHandled(roomID, evt.ID)
}

func (c *Connection) applyMemberEvent(roomID id.RoomID, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	userID := id.UserID(*evt.StateKey)

	if rawString(evt, "membership") == "join" {
		present := c.store.AddMember(roomID, userID, models.Member{DisplayName: rawString(evt, "displayname")})
		if !present {
			c.emitMembership(roomID, userID, "JOIN")
		}
		return
	}
	if c.store.DelMember(roomID, userID) {
		c.emitMembership(roomID, userID, "PART")
	}
}

// emitMembership forwards a member join or part to the client when the
// channel is joined. Pending channels rebuild their member list from room
// state at announce time, so nothing is queued.
func (c *Connection) emitMembership(roomID id.RoomID, userID id.UserID, command string) {
	c.mu.Lock()
	name, ok := c.names[roomID]
	own := userID == c.userID
	c.mu.Unlock()
	if !ok || own {
		return
	}
	if status, ok := c.state.Channel(name); !ok || !status.Joined {
		return
	}
	c.send(&irc.Message{
		Source:  session.RenderMember(userID),
		Command: command,
		Params:  []string{name},
	})
}

func (c *Connection) applyMessageEvent(roomID id.RoomID, evt *event.Event) {
	if evt.Type.Type != event.EventMessage.Type {
		return
	}
	if evt.ID != "" && c.store.EventHandled(roomID, evt.ID) {
		return
	}
	c.store.MarkEventHandled(roomID, evt.ID)

	c.mu.Lock()
	own := evt.Sender == c.userID
	name, known := c.names[roomID]
	c.mu.Unlock()
	if !known {
		return
	}
	// Without echo-message the client already rendered its own message
	// locally; the /sync copy is dropped.
	if own && !c.state.HasCapability(session.CapEchoMessage) {
		return
	}

	command := "PRIVMSG"
	body := rawString(evt, "body")
	switch rawString(evt, "msgtype") {
	case "m.notice":
		command = "NOTICE"
	case "m.emote":
		body = "\x01ACTION " + body + "\x01"
	}

	tags := c.messageTags(evt)
	if own {
		if label, ok := c.takeLabel(evt.ID); ok {
			tags["label"] = label
		}
	}

	source := session.RenderMember(evt.Sender)
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		c.state.SendTo(name, &irc.Message{
			Tags:    cloneTags(tags),
			Source:  source,
			Command: command,
			Params:  []string{name, line},
		}, c.send)
	}
}

// messageTags builds the IRCv3 tags for a forwarded message, honoring the
// negotiated capabilities.
func (c *Connection) messageTags(evt *event.Event) map[string]string {
	tags := make(map[string]string)
	if c.state.HasCapability(session.CapMessageTags) && evt.ID != "" {
		tags["msgid"] = string(evt.ID)
	}
	if c.state.HasCapability(session.CapServerTime) && evt.Timestamp != 0 {
		tags["time"] = time.UnixMilli(evt.Timestamp).UTC().Format(serverTimeFormat)
	}
	if c.state.HasCapability(session.CapAccountTag) {
		tags["account"] = string(evt.Sender)
	}
	return tags
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	clone := make(map[string]string, len(tags))
	for k, v := range tags {
		clone[k] = v
	}
	return clone
}

func rawString(evt *event.Event, key string) string {
	value, _ := evt.Content.Raw[key].(string)
	return value
}

// powerLevels decodes the users section of an m.room.power_levels payload.
// Numbers decoded from JSON arrive as float64.
func powerLevels(value any) map[id.UserID]int {
	users, _ := value.(map[string]any)
	levels := make(map[id.UserID]int, len(users))
	for user, raw := range users {
		switch level := raw.(type) {
		case float64:
			levels[id.UserID(user)] = int(level)
		case int:
			levels[id.UserID(user)] = level
		}
	}
	return levels
}

// bridgeRef extracts one {id, name} section of an m.bridge payload. Bridges
// that follow the draft event schema use displayname instead of name.
func bridgeRef(value any) models.BridgeRef {
	section, _ := value.(map[string]any)
	ref := models.BridgeRef{}
	ref.ID, _ = section["id"].(string)
	if name, ok := section["name"].(string); ok {
		ref.Name = name
	} else if name, ok := section["displayname"].(string); ok {
		ref.Name = name
	}
	return ref
}
