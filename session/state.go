package session

import (
	"sync"

	"github.com/nethesis/matrix2irc/irc"
)

// IRCv3 capabilities the gateway reacts to. no_implicit_names and
// channel_rename are local pseudo-capabilities.
const (
	CapMessageTags     = "message-tags"
	CapBatch           = "batch"
	CapAccountTag      = "account-tag"
	CapEchoMessage     = "echo-message"
	CapLabeledResponse = "labeled-response"
	CapServerTime      = "server-time"
	CapNoImplicitNames = "no_implicit_names"
	CapChannelRename   = "channel_rename"
)

// SupportedCaps is the closed set offered during CAP negotiation.
var SupportedCaps = []string{
	CapMessageTags,
	CapBatch,
	CapAccountTag,
	CapEchoMessage,
	CapLabeledResponse,
	CapServerTime,
	CapNoImplicitNames,
	CapChannelRename,
}

// Nick is the two-part client nickname: the local name plus the server name.
type Nick struct {
	Local  string
	Server string
}

func (n Nick) String() string {
	if n.Server == "" {
		return n.Local
	}
	return n.Local + ":" + n.Server
}

// Source renders the nick as an IRC source prefix for messages emitted on
// behalf of the user.
func (n Nick) Source() string {
	return n.String() + "!" + n.Local + "@" + n.Server
}

type batch struct {
	opening *irc.Message
	// commands accumulate in reverse insertion order; PopBatch restores it.
	commands []*irc.Message
}

// State holds the per-connection IRC session: registration, nickname,
// capabilities, channel records, and client-initiated batch buffers. All
// operations are serialized through the state's mutex.
type State struct {
	mu         sync.Mutex
	registered bool
	nick       Nick
	gecos      string
	caps       []string
	channels   map[string]*Channel
	batches    map[string]*batch
}

// NewState creates an unregistered session state.
func NewState() *State {
	return &State{
		channels: make(map[string]*Channel),
		batches:  make(map[string]*batch),
	}
}

// Registered reports whether the client completed registration.
func (s *State) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// SetRegistered marks the client as registered.
func (s *State) SetRegistered(registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = registered
}

// Nick returns the client nickname.
func (s *State) Nick() Nick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// SetNick installs the client nickname.
func (s *State) SetNick(nick Nick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nick = nick
}

// Gecos returns the client's real name.
func (s *State) Gecos() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gecos
}

// SetGecos installs the client's real name.
func (s *State) SetGecos(gecos string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gecos = gecos
}

// User returns a human-readable identity for diagnostics.
func (s *State) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick.String()
}

// Capabilities returns the enabled capability list, most recently added
// first.
func (s *State) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.caps...)
}

// AddCapabilities prepends the given capabilities to the enabled list.
// Duplicates are permitted and semantically redundant.
func (s *State) AddCapabilities(caps ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = append(append([]string(nil), caps...), s.caps...)
}

// HasCapability reports whether the capability is enabled.
func (s *State) HasCapability(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCapLocked(name)
}

func (s *State) hasCapLocked(name string) bool {
	for _, c := range s.caps {
		if c == name {
			return true
		}
	}
	return false
}

// CreateBatch buffers the opening command of a client-initiated batch under
// its reference tag.
func (s *State) CreateBatch(ref string, opening *irc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[ref] = &batch{opening: opening}
}

// AddBatchCommand appends a command to an open batch. Unknown references are
// ignored.
func (s *State) AddBatchCommand(ref string, msg *irc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[ref]
	if !ok {
		return
	}
	b.commands = append([]*irc.Message{msg}, b.commands...)
}

// PopBatch finalizes a batch, returning the opening command and the buffered
// commands in insertion order.
func (s *State) PopBatch(ref string) (*irc.Message, []*irc.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[ref]
	if !ok {
		return nil, nil, false
	}
	delete(s.batches, ref)

	commands := make([]*irc.Message, len(b.commands))
	for i, msg := range b.commands {
		commands[len(b.commands)-1-i] = msg
	}
	return b.opening, commands, true
}
