package rooms

import (
	"strconv"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/models"
)

// SyncCallback is a one-shot action fired when a room's initial state has
// been fully applied. Callbacks must be short and must not call back into the
// store that fired them.
type SyncCallback func(roomID id.RoomID, room models.Room)

type firedCallback struct {
	cb     SyncCallback
	roomID id.RoomID
	room   models.Room
}

// Store is the per-connection cache of Matrix rooms plus the sync cursor.
// All reads and writes are serialized through the store's mutex, so
// check-then-update sequences inside one method are atomic. Pending
// channel-sync callbacks are popped under the lock and invoked after it is
// released, which keeps one slow callback from blocking the store and makes
// re-entering the store from a callback safe for reads that happen later.
type Store struct {
	derive func(id.RoomID, models.Room) string

	mu        sync.Mutex
	rooms     map[id.RoomID]models.Room
	callbacks map[string][]SyncCallback
	since     string
	handled   map[id.RoomID]map[id.EventID]struct{}
}

// NewStore creates an empty room store. derive maps a room to its IRC channel
// name; nil selects the default alias table.
func NewStore(derive func(id.RoomID, models.Room) string) *Store {
	if derive == nil {
		derive = DefaultAliases().ChannelName
	}
	return &Store{
		derive:    derive,
		rooms:     make(map[id.RoomID]models.Room),
		callbacks: make(map[string][]SyncCallback),
		handled:   make(map[id.RoomID]map[id.EventID]struct{}),
	}
}

func fire(fired []firedCallback) {
	for _, f := range fired {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Str("room_id", string(f.roomID)).Interface("panic", r).Msg("channel sync callback failed")
				}
			}()
			f.cb(f.roomID, f.room)
		}()
	}
}

// UpdateRoom applies f to the room, or to a zero-valued room if unseen, and
// stores the result.
func (s *Store) UpdateRoom(roomID id.RoomID, f func(models.Room) models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = f(s.rooms[roomID])
}

// popCallbacksLocked removes and returns the callbacks registered under key,
// bound to the room's current state. Caller holds the lock.
func (s *Store) popCallbacksLocked(key string, roomID id.RoomID, room models.Room) []firedCallback {
	cbs := s.callbacks[key]
	if len(cbs) == 0 {
		return nil
	}
	delete(s.callbacks, key)

	fired := make([]firedCallback, 0, len(cbs))
	for _, cb := range cbs {
		fired = append(fired, firedCallback{cb: cb, roomID: roomID, room: room})
	}
	return fired
}

// SetCanonicalAlias updates the room's canonical alias and returns the
// previous one. If the room is already synced, callbacks waiting for the new
// alias are drained atomically with the update.
func (s *Store) SetCanonicalAlias(roomID id.RoomID, alias string) string {
	s.mu.Lock()
	room := s.rooms[roomID]
	previous := room.CanonicalAlias
	room.CanonicalAlias = alias
	s.rooms[roomID] = room

	var fired []firedCallback
	if room.Synced {
		fired = s.popCallbacksLocked(alias, roomID, room)
	}
	s.mu.Unlock()

	fire(fired)
	return previous
}

// SetBridgeInfo records the m.bridge payload for a room.
func (s *Store) SetBridgeInfo(roomID id.RoomID, info *models.BridgeInfo) {
	s.UpdateRoom(roomID, func(room models.Room) models.Room {
		room.Bridge = info
		return room
	})
}

// SetName updates the room display name.
func (s *Store) SetName(roomID id.RoomID, name string) {
	s.UpdateRoom(roomID, func(room models.Room) models.Room {
		room.Name = name
		return room
	})
}

// SetTopic updates the room topic.
func (s *Store) SetTopic(roomID id.RoomID, topic *models.Topic) {
	s.UpdateRoom(roomID, func(room models.Room) models.Room {
		room.Topic = topic
		return room
	})
}

// SetType records the room type from m.room.create.
func (s *Store) SetType(roomID id.RoomID, roomType string) {
	s.UpdateRoom(roomID, func(room models.Room) models.Room {
		room.Type = roomType
		return room
	})
}

// AddMember inserts the member only if absent and reports whether it was
// already present. The member's power level is filled in from the room's
// power-levels map.
func (s *Store) AddMember(roomID id.RoomID, userID id.UserID, member models.Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if _, present := room.Members[userID]; present {
		return true
	}
	if room.Members == nil {
		room.Members = make(map[id.UserID]models.Member)
	}
	if level, ok := room.PowerLevels[userID]; ok {
		member.PowerLevel = level
	}
	room.Members[userID] = member
	s.rooms[roomID] = room
	return false
}

// SetPowerLevels records the users section of m.room.power_levels and
// refreshes the power level of every member already cached. Members absent
// from the map fall back to the default level zero.
func (s *Store) SetPowerLevels(roomID id.RoomID, levels map[id.UserID]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	room.PowerLevels = levels
	for userID, member := range room.Members {
		member.PowerLevel = levels[userID]
		room.Members[userID] = member
	}
	s.rooms[roomID] = room
}

// DelMember removes the member and reports whether it was present.
func (s *Store) DelMember(roomID id.RoomID, userID id.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	if _, present := room.Members[userID]; !present {
		return false
	}
	delete(room.Members, userID)
	return true
}

// Members returns a copy of the room's member map.
func (s *Store) Members(roomID id.RoomID) map[id.UserID]models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[id.UserID]models.Member, len(s.rooms[roomID].Members))
	for userID, member := range s.rooms[roomID].Members {
		members[userID] = member
	}
	return members
}

// Member looks up a single member record.
func (s *Store) Member(roomID id.RoomID, userID id.UserID) (models.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.rooms[roomID].Members[userID]
	return member, ok
}

// Name returns the room display name, or empty for unknown rooms.
func (s *Store) Name(roomID id.RoomID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].Name
}

// Topic returns the room topic, or nil.
func (s *Store) Topic(roomID id.RoomID) *models.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].Topic
}

// Type returns the room type, or empty.
func (s *Store) Type(roomID id.RoomID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].Type
}

// CanonicalAlias returns the canonical alias, or empty.
func (s *Store) CanonicalAlias(roomID id.RoomID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].CanonicalAlias
}

// Room returns a snapshot of the room and whether it is known.
func (s *Store) Room(roomID id.RoomID) (models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// ListRooms returns one listing row per room, excluding spaces. Iteration
// order is unspecified.
func (s *Store) ListRooms() []models.ListEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.ListEntry, 0, len(s.rooms))
	for roomID, room := range s.rooms {
		if room.Type == models.RoomTypeSpace {
			continue
		}
		topic := ""
		if room.Topic != nil {
			topic = room.Topic.Text
		}
		entries = append(entries, models.ListEntry{
			Channel: s.derive(roomID, room),
			Members: strconv.Itoa(len(room.Members)),
			Topic:   topic,
		})
	}
	return entries
}

// RoomFromChannel resolves an IRC channel name to a room. The name matches on
// the canonical alias, the raw room ID, or the derived channel name,
// whichever is found first in iteration order.
func (s *Store) RoomFromChannel(name string) (id.RoomID, models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, room := range s.rooms {
		if room.CanonicalAlias == name || string(roomID) == name || s.derive(roomID, room) == name {
			return roomID, room, true
		}
	}
	return "", models.Room{}, false
}

// OnChannelSynced fires cb immediately when the named room is already synced;
// otherwise it queues cb until MarkSynced (or SetCanonicalAlias) satisfies
// it. name may be an IRC channel name or a raw room ID.
func (s *Store) OnChannelSynced(name string, cb SyncCallback) {
	s.mu.Lock()
	for roomID, room := range s.rooms {
		if !room.Synced {
			continue
		}
		if room.CanonicalAlias == name || string(roomID) == name || s.derive(roomID, room) == name {
			s.mu.Unlock()
			fire([]firedCallback{{cb: cb, roomID: roomID, room: room}})
			return
		}
	}
	s.callbacks[name] = append(s.callbacks[name], cb)
	s.mu.Unlock()
}

// MarkSynced flips the room's synced flag (monotonic) and drains callbacks
// registered under both the room ID and its canonical alias. Fired callbacks
// never observe synced=false.
func (s *Store) MarkSynced(roomID id.RoomID) {
	s.mu.Lock()
	room := s.rooms[roomID]
	room.Synced = true
	s.rooms[roomID] = room

	fired := s.popCallbacksLocked(string(roomID), roomID, room)
	if room.CanonicalAlias != "" {
		fired = append(fired, s.popCallbacksLocked(room.CanonicalAlias, roomID, room)...)
	}
	s.mu.Unlock()

	fire(fired)
}

// PollSince returns the sync cursor for the next /sync request.
func (s *Store) PollSince() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

// UpdatePollSince advances the sync cursor and clears the handled-events set
// recorded for the previous batch.
func (s *Store) UpdatePollSince(since string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = since
	s.handled = make(map[id.RoomID]map[id.EventID]struct{})
}

// EventHandled reports whether the event was already dispatched during the
// current since window.
func (s *Store) EventHandled(roomID id.RoomID, eventID id.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handled[roomID][eventID]
	return ok
}

// MarkEventHandled records the event in the per-batch dedup set. Idempotent;
// a no-op for the empty event ID.
func (s *Store) MarkEventHandled(roomID id.RoomID, eventID id.EventID) {
	if eventID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handled[roomID] == nil {
		s.handled[roomID] = make(map[id.EventID]struct{})
	}
	s.handled[roomID][eventID] = struct{}{}
}

// DumpState returns a snapshot of every cached room keyed by room ID. It is a
// diagnostic surface for the admin API only.
func (s *Store) DumpState() map[id.RoomID]models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[id.RoomID]models.Room, len(s.rooms))
	for roomID, room := range s.rooms {
		members := make(map[id.UserID]models.Member, len(room.Members))
		for userID, member := range room.Members {
			members[userID] = member
		}
		room.Members = members
		snapshot[roomID] = room
	}
	return snapshot
}
