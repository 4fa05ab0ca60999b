package session

import (
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/irc"
	"github.com/nethesis/matrix2irc/models"
)

// QueueLimit is the capacity of the per-channel replay queue. When the queue
// is full the oldest entry is dropped first.
const QueueLimit = 256

// SendFunc delivers a serialized IRC message toward the client.
type SendFunc func(msg *irc.Message)

// RoomInfo provides room snapshots for the announce choreography. The room
// store satisfies it.
type RoomInfo interface {
	Room(roomID id.RoomID) (models.Room, bool)
}

// Channel is the per-connection record for one observed IRC channel. A
// channel starts pending (the Matrix room produced events but the client has
// not JOINed) and conversational traffic is queued until the join.
type Channel struct {
	RoomID id.RoomID
	Joined bool
	queue  []*irc.Message
}

// ChannelStatus is a diagnostic snapshot of one channel record.
type ChannelStatus struct {
	Name   string    `json:"name"`
	RoomID id.RoomID `json:"room_id"`
	Joined bool      `json:"joined"`
	Queued int       `json:"queued"`
}

// queueable reports whether a deferred command may be replayed at join time.
// Only conversational content is kept; metadata is reconstructed from room
// state when the channel is announced.
func queueable(msg *irc.Message) bool {
	return msg.Command == "PRIVMSG" || msg.Command == "NOTICE"
}

// RenderMember renders a Matrix user id as an IRC source or names-reply
// entry. Spaces are escaped because the codec keeps the trailing parameter
// verbatim.
func RenderMember(userID id.UserID) string {
	local, server, _ := strings.Cut(string(userID), ":")
	return strings.ReplaceAll(string(userID)+"!"+local+"@"+server, " ", `\s`)
}

func (s *State) numericLocked(code string, params ...string) *irc.Message {
	return &irc.Message{
		Source:  irc.ServerSource,
		Command: code,
		Params:  append([]string{s.nick.String()}, params...),
	}
}

// CreateChannel installs a pending channel record if absent.
func (s *State) CreateChannel(name string, roomID id.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		s.channels[name] = &Channel{RoomID: roomID}
	}
}

// Channel returns a diagnostic snapshot of a channel record.
func (s *State) Channel(name string) (ChannelStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		return ChannelStatus{}, false
	}
	return ChannelStatus{Name: name, RoomID: ch.RoomID, Joined: ch.Joined, Queued: len(ch.queue)}, true
}

// DumpChannels returns diagnostic snapshots of every channel record.
func (s *State) DumpChannels() []ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ChannelStatus, 0, len(s.channels))
	for name, ch := range s.channels {
		statuses = append(statuses, ChannelStatus{Name: name, RoomID: ch.RoomID, Joined: ch.Joined, Queued: len(ch.queue)})
	}
	return statuses
}

// DeleteChannel removes a channel record, parting the client first when it
// had joined.
func (s *State) DeleteChannel(name string, send SendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		return
	}
	if ch.Joined {
		send(&irc.Message{
			Source:  s.nick.Source(),
			Command: "PART",
			Params:  []string{name, "Channel deleted by server"},
		})
	}
	delete(s.channels, name)
}

// JoinChannel processes a client JOIN: unknown channels get a 403, joined
// channels an acknowledging JOIN, and pending channels are announced with
// their queued traffic replayed in order.
func (s *State) JoinChannel(name string, send SendFunc, info RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		send(s.numericLocked(irc.ErrNoSuchChannel, name, "No such channel"))
		return
	}
	if ch.Joined {
		send(s.joinMessageLocked(name))
		return
	}

	room, _ := info.Room(ch.RoomID)
	s.announceLocked(name, room, send)

	for _, msg := range ch.queue {
		send(msg)
	}
	ch.queue = nil
	ch.Joined = true
}

// PartChannel processes a client PART.
func (s *State) PartChannel(name, reason string, send SendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		send(s.numericLocked(irc.ErrNoSuchChannel, name, "No such channel"))
		return
	}
	if !ch.Joined {
		send(s.numericLocked(irc.ErrNotOnChannel, name, "You can't part a channel you aren't in"))
		return
	}

	params := []string{name}
	if reason != "" {
		params = append(params, reason)
	}
	send(&irc.Message{Source: s.nick.Source(), Command: "PART", Params: params})
	ch.Joined = false
}

// RenameChannel rekeys a channel record. Joined channels are renamed on the
// wire, either via the RENAME command when the client negotiated
// channel_rename or by emulating it with a join/part pair.
func (s *State) RenameChannel(oldName, newName string, send SendFunc, info RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[oldName]
	if !ok {
		return
	}
	delete(s.channels, oldName)
	s.channels[newName] = ch

	if !ch.Joined {
		return
	}

	if s.hasCapLocked(CapChannelRename) {
		send(&irc.Message{
			Source:  irc.ServerSource,
			Command: "RENAME",
			Params:  []string{oldName, newName, "Channel renamed"},
		})
		return
	}

	room, _ := info.Room(ch.RoomID)
	s.announceLocked(newName, room, send)
	send(&irc.Message{
		Source:  s.nick.Source(),
		Command: "PART",
		Params:  []string{oldName, "Channel renamed to " + newName},
	})
	send(&irc.Message{
		Source:  irc.ServerSource,
		Command: "NOTICE",
		Params:  []string{newName, "Channel renamed from " + oldName},
	})
}

// SendTo is the event-delivery entry point. Messages for unknown channels
// are addressed to the user and pass straight through; joined channels pass
// through; pending channels queue conversational content up to QueueLimit.
func (s *State) SendTo(name string, msg *irc.Message, write SendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok || ch.Joined {
		write(msg)
		return
	}
	if !queueable(msg) {
		return
	}

	ch.queue = append(ch.queue, msg)
	if len(ch.queue) > QueueLimit {
		ch.queue = ch.queue[1:]
	}
}

func (s *State) joinMessageLocked(name string) *irc.Message {
	return &irc.Message{
		Tags:    map[string]string{"account": s.nick.String()},
		Source:  s.nick.Source(),
		Command: "JOIN",
		Params:  []string{name},
	}
}

// TopicReply emits the topic numerics for a channel on an explicit TOPIC
// query.
func (s *State) TopicReply(name string, send SendFunc, info RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		send(s.numericLocked(irc.ErrNoSuchChannel, name, "No such channel"))
		return
	}
	room, _ := info.Room(ch.RoomID)
	s.topicLocked(name, room, send)
}

// NamesReply emits the names replies for a channel on an explicit NAMES
// query. The no_implicit_names capability suppresses only the implicit
// replies at join time, not these.
func (s *State) NamesReply(name string, send SendFunc, info RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		send(s.numericLocked(irc.ErrNoSuchChannel, name, "No such channel"))
		return
	}
	room, _ := info.Room(ch.RoomID)
	s.namesLocked(name, room, send)
}

// announceLocked emits the join choreography for a channel: JOIN as the
// user, topic numerics, and names replies unless no_implicit_names is set.
func (s *State) announceLocked(name string, room models.Room, send SendFunc) {
	send(s.joinMessageLocked(name))
	s.topicLocked(name, room, send)
	if s.hasCapLocked(CapNoImplicitNames) {
		return
	}
	s.namesLocked(name, room, send)
}

func (s *State) topicLocked(name string, room models.Room, send SendFunc) {
	topic := composeTopic(room)
	switch {
	case topic == "":
		send(s.numericLocked(irc.RplNoTopic, name, "No topic is set"))
	default:
		send(s.numericLocked(irc.RplTopic, name, topic))
		if room.Topic != nil {
			send(s.numericLocked(irc.RplTopicWhoTime, name,
				string(room.Topic.SetBy), strconv.FormatInt(room.Topic.SetAt/1000, 10)))
		}
	}
}

func (s *State) namesLocked(name string, room models.Room, send SendFunc) {
	names := make([]string, 0, len(room.Members))
	for userID := range room.Members {
		names = append(names, RenderMember(userID))
	}

	// Budget for packing: full serialized line must stay within the IRC
	// line limit, numeric overhead pre-subtracted.
	base := s.numericLocked(irc.RplNamReply, "=", name, "")
	budget := irc.MaxLineLen - base.Len()
	for _, group := range irc.PackWords(names, budget) {
		send(s.numericLocked(irc.RplNamReply, "=", name, strings.Join(group, " ")))
	}
	send(s.numericLocked(irc.RplEndOfNames, name, "End of /NAMES list"))
}

// composeTopic builds the "[room name] topic" composite, omitting either
// part when absent.
func composeTopic(room models.Room) string {
	text := ""
	if room.Topic != nil {
		text = room.Topic.Text
	}
	switch {
	case room.Name != "" && text != "":
		return "[" + room.Name + "] " + text
	case room.Name != "":
		return "[" + room.Name + "]"
	default:
		return text
	}
}
