package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/irc"
	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/matrix"
	"github.com/nethesis/matrix2irc/models"
	"github.com/nethesis/matrix2irc/rooms"
	"github.com/nethesis/matrix2irc/session"
)

// matrixSession is the slice of the Matrix client the connection uses. It is
// an interface so tests can substitute a fake homeserver. matrix.Client
// satisfies it.
type matrixSession interface {
	Whoami(ctx context.Context) (id.UserID, error)
	Sync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, msgType event.MessageType, body string) (id.EventID, error)
}

// Connection glues one IRC client to one Matrix session: it owns the IRC
// session state, the room cache, and the Matrix client authenticated with the
// token the client supplied via PASS.
type Connection struct {
	ID string

	cfg    *Config
	state  *session.State
	store  *rooms.Store
	derive func(id.RoomID, models.Room) string

	// newMatrix builds the Matrix session once PASS-based registration
	// completes. Tests swap it for a fake.
	newMatrix func(token string) (matrixSession, error)

	writeMu sync.Mutex
	w       io.Writer

	mu             sync.Mutex
	mx             matrixSession
	userID         id.UserID
	pass           string
	nickSet        bool
	userSet        bool
	capNegotiating bool
	names          map[id.RoomID]string
	labels         map[id.EventID]string

	remoteAddr string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closer    io.Closer
}

// NewConnection creates the glue for one accepted IRC client. rw carries the
// IRC byte stream; closing it tears the connection down.
func NewConnection(ctx context.Context, cfg *Config, rw io.ReadWriteCloser, derive func(id.RoomID, models.Room) string) *Connection {
	if derive == nil {
		derive = rooms.DefaultAliases().ChannelName
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		ID:     uuid.NewString(),
		cfg:    cfg,
		state:  session.NewState(),
		store:  rooms.NewStore(derive),
		derive: derive,
		w:      rw,
		names:  make(map[id.RoomID]string),
		labels: make(map[id.EventID]string),
		ctx:    ctx,
		cancel: cancel,
		closer: rw,
	}
	c.newMatrix = func(token string) (matrixSession, error) {
		cli, err := matrix.NewClient(matrix.Config{
			HomeserverURL: cfg.MatrixHomeserverURL,
			AccessToken:   token,
		})
		if err != nil {
			return nil, err
		}
		return cli, nil
	}
	return c
}

// Run reads IRC lines until the client disconnects. It blocks; the caller
// runs it on a dedicated goroutine.
func (c *Connection) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<16)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		msg, err := irc.ParseMessage(line)
		if err != nil {
			logger.Warn().Str("conn_id", c.ID).Str("line", line).Err(err).Msg("malformed IRC line")
			c.sendNotice("Malformed line")
			continue
		}
		c.handleMessage(msg)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Debug().Str("conn_id", c.ID).Err(err).Msg("IRC read loop ended")
	}
	c.Close()
}

// Close tears the connection down exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.closer != nil {
			c.closer.Close()
		}
		logger.Info().Str("conn_id", c.ID).Msg("connection closed")
	})
}

// send serializes one message toward the client. Writes are serialized so
// the sync loop and the command handler never interleave partial lines.
func (c *Connection) send(msg *irc.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, out := range c.splitOversized(msg) {
		if _, err := io.WriteString(c.w, out.String()+"\r\n"); err != nil {
			logger.Debug().Str("conn_id", c.ID).Err(err).Msg("write to IRC client failed")
			return
		}
	}
}

// splitOversized keeps outbound lines within the IRC length limit. An
// oversized PRIVMSG or NOTICE body is wrapped at word boundaries across
// several messages carrying the same tags and source; other oversized lines
// have no safe cut point and pass through with a warning.
func (c *Connection) splitOversized(msg *irc.Message) []*irc.Message {
	if msg.Len() <= irc.MaxLineLen {
		return []*irc.Message{msg}
	}
	if (msg.Command != "PRIVMSG" && msg.Command != "NOTICE") || len(msg.Params) < 2 {
		logger.Warn().Str("conn_id", c.ID).Str("command", msg.Command).Int("len", msg.Len()).Msg("outbound IRC line exceeds length limit")
		return []*irc.Message{msg}
	}

	head := msg.Params[:len(msg.Params)-1]
	base := &irc.Message{Tags: msg.Tags, Source: msg.Source, Command: msg.Command,
		Params: append(append([]string(nil), head...), "")}
	budget := irc.MaxLineLen - base.Len()

	var out []*irc.Message
	for _, chunk := range irc.WrapText(msg.Params[len(msg.Params)-1], budget) {
		out = append(out, &irc.Message{
			Tags:    msg.Tags,
			Source:  msg.Source,
			Command: msg.Command,
			Params:  append(append([]string(nil), head...), chunk),
		})
	}
	return out
}

func (c *Connection) sendNotice(text string) {
	target := "*"
	if nick := c.state.Nick().String(); nick != "" {
		target = nick
	}
	c.send(&irc.Message{Source: irc.ServerSource, Command: "NOTICE", Params: []string{target, text}})
}

func (c *Connection) numeric(code string, params ...string) {
	target := c.state.Nick().String()
	if target == "" {
		target = "*"
	}
	c.send(&irc.Message{Source: irc.ServerSource, Command: code, Params: append([]string{target}, params...)})
}

func (c *Connection) handleMessage(msg *irc.Message) {
	// Commands carrying a batch reference tag are buffered until the batch
	// closes, except BATCH itself.
	if ref, ok := msg.Tags["batch"]; ok && msg.Command != "BATCH" {
		c.state.AddBatchCommand(ref, msg)
		return
	}

	switch msg.Command {
	case "PASS":
		c.handlePass(msg)
	case "CAP":
		c.handleCap(msg)
	case "NICK":
		c.handleNick(msg)
	case "USER":
		c.handleUser(msg)
	case "PING":
		c.send(&irc.Message{Source: irc.ServerSource, Command: "PONG", Params: []string{c.cfg.ServerName, msg.Param(0)}})
	case "PONG":
		// Keepalive reply, nothing to track.
	case "QUIT":
		c.send(&irc.Message{Command: "ERROR", Params: []string{"Closing Link"}})
		c.Close()
	case "JOIN":
		c.requireRegistered(msg, c.handleJoin)
	case "PART":
		c.requireRegistered(msg, c.handlePart)
	case "PRIVMSG", "NOTICE":
		c.requireRegistered(msg, c.handlePrivmsg)
	case "TOPIC":
		c.requireRegistered(msg, c.handleTopic)
	case "NAMES":
		c.requireRegistered(msg, c.handleNames)
	case "LIST":
		c.requireRegistered(msg, c.handleList)
	case "MJOIN":
		c.requireRegistered(msg, c.handleMatrixJoin)
	case "BATCH":
		c.requireRegistered(msg, c.handleBatch)
	case "MODE", "WHO", "WHOIS", "AWAY":
		// Accepted silently; there is no Matrix counterpart worth faking.
	default:
		c.numeric(irc.ErrUnknownCommand, msg.Command, "Unknown command")
	}
}

func (c *Connection) requireRegistered(msg *irc.Message, handler func(*irc.Message)) {
	if !c.state.Registered() {
		c.numeric(irc.ErrNotRegistered, "You have not registered")
		return
	}
	handler(msg)
}

func (c *Connection) handlePass(msg *irc.Message) {
	if c.state.Registered() {
		return
	}
	c.mu.Lock()
	c.pass = msg.Param(0)
	c.mu.Unlock()
}

func (c *Connection) handleCap(msg *irc.Message) {
	switch strings.ToUpper(msg.Param(0)) {
	case "LS":
		c.mu.Lock()
		if !c.state.Registered() {
			c.capNegotiating = true
		}
		c.mu.Unlock()
		c.send(&irc.Message{Source: irc.ServerSource, Command: "CAP", Params: []string{"*", "LS", strings.Join(session.SupportedCaps, " ")}})
	case "REQ":
		requested := strings.Fields(msg.Param(1))
		if c.ackableCaps(requested) {
			c.state.AddCapabilities(requested...)
			c.send(&irc.Message{Source: irc.ServerSource, Command: "CAP", Params: []string{"*", "ACK", strings.Join(requested, " ")}})
		} else {
			c.send(&irc.Message{Source: irc.ServerSource, Command: "CAP", Params: []string{"*", "NAK", strings.Join(requested, " ")}})
		}
	case "LIST":
		c.send(&irc.Message{Source: irc.ServerSource, Command: "CAP", Params: []string{"*", "LIST", strings.Join(c.state.Capabilities(), " ")}})
	case "END":
		c.mu.Lock()
		c.capNegotiating = false
		c.mu.Unlock()
		c.maybeWelcome()
	}
}

// ackableCaps reports whether every requested capability is in the supported
// set. CAP REQ is all-or-nothing.
func (c *Connection) ackableCaps(requested []string) bool {
	if len(requested) == 0 {
		return false
	}
	for _, want := range requested {
		supported := false
		for _, have := range session.SupportedCaps {
			if want == have {
				supported = true
				break
			}
		}
		if !supported {
			return false
		}
	}
	return true
}

func (c *Connection) handleNick(msg *irc.Message) {
	nick := msg.Param(0)
	if nick == "" {
		c.numeric(irc.ErrNeedMoreParams, "NICK", "Not enough parameters")
		return
	}
	if c.state.Registered() {
		c.sendNotice("Nick changes are not supported")
		return
	}

	// The server part of the nick is filled in from the Matrix identity at
	// welcome time; clients may preset it with local:server.
	local, server, _ := strings.Cut(nick, ":")
	c.state.SetNick(session.Nick{Local: local, Server: server})

	c.mu.Lock()
	c.nickSet = true
	c.mu.Unlock()
	c.maybeWelcome()
}

func (c *Connection) handleUser(msg *irc.Message) {
	if c.state.Registered() {
		return
	}
	c.state.SetGecos(msg.Param(3))

	c.mu.Lock()
	c.userSet = true
	c.mu.Unlock()
	c.maybeWelcome()
}

// maybeWelcome completes registration once NICK and USER arrived and CAP
// negotiation is over: it authenticates the PASS token against the
// homeserver, fixes the nick's server part from the Matrix identity, emits
// the welcome numerics, and starts the sync loop.
func (c *Connection) maybeWelcome() {
	c.mu.Lock()
	ready := c.nickSet && c.userSet && !c.capNegotiating && c.mx == nil
	pass := c.pass
	c.mu.Unlock()

	if !ready || c.state.Registered() {
		return
	}

	if pass == "" {
		c.sendNotice("A Matrix access token must be supplied via PASS")
		c.send(&irc.Message{Command: "ERROR", Params: []string{"Access denied"}})
		c.Close()
		return
	}

	mx, err := c.newMatrix(pass)
	if err != nil {
		logger.Error().Str("conn_id", c.ID).Err(err).Msg("failed to initialize matrix client")
		c.sendNotice("Could not reach the Matrix homeserver")
		c.Close()
		return
	}

	userID, err := mx.Whoami(c.ctx)
	if err != nil {
		logger.Warn().Str("conn_id", c.ID).Err(err).Msg("matrix token rejected")
		c.sendNotice("Matrix rejected the supplied access token")
		c.send(&irc.Message{Command: "ERROR", Params: []string{"Access denied"}})
		c.Close()
		return
	}

	nick := c.state.Nick()
	_, server, _ := strings.Cut(string(userID), ":")
	nick.Server = server
	c.state.SetNick(nick)

	c.mu.Lock()
	c.mx = mx
	c.userID = userID
	c.mu.Unlock()

	c.state.SetRegistered(true)
	logger.Info().Str("conn_id", c.ID).Str("user_id", string(userID)).Msg("client registered")

	c.numeric(irc.RplWelcome, "Welcome to the Matrix gateway "+nick.String())
	c.numeric(irc.RplYourHost, "Your host is "+c.cfg.ServerName+", running matrix2irc")
	c.numeric(irc.RplCreated, "This server bridges an existing Matrix session")
	c.numeric(irc.RplMyInfo, c.cfg.ServerName, "matrix2irc", "o", "o")
	c.numeric(irc.RplISupport, "CHANTYPES=#!&@", "NETWORK=Matrix", "are supported by this server")

	go c.syncLoop(c.ctx)
}

func (c *Connection) handleJoin(msg *irc.Message) {
	if msg.Param(0) == "" {
		c.numeric(irc.ErrNeedMoreParams, "JOIN", "Not enough parameters")
		return
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		if name == "" {
			continue
		}
		if _, ok := c.state.Channel(name); ok {
			c.state.JoinChannel(name, c.send, c.store)
			continue
		}

		// The channel record does not exist under this name. If the room is
		// at least known, wait for its first complete sync, then materialize
		// and join; otherwise 403 right away.
		roomID, _, ok := c.store.RoomFromChannel(name)
		if !ok {
			c.state.JoinChannel(name, c.send, c.store)
			continue
		}

		// A room already tracked under another name (its canonical alias)
		// must not grow a second record: message routing is keyed by the
		// tracked name, so a duplicate would queue traffic invisibly.
		if tracked, ok := c.trackedName(roomID); ok && tracked != name {
			c.state.JoinChannel(tracked, c.send, c.store)
			continue
		}
		joinName := name
		c.store.OnChannelSynced(joinName, func(roomID id.RoomID, _ models.Room) {
			if tracked, ok := c.trackedName(roomID); ok && tracked != joinName {
				c.state.JoinChannel(tracked, c.send, c.store)
				return
			}
			c.state.CreateChannel(joinName, roomID)
			c.state.JoinChannel(joinName, c.send, c.store)
		})
	}
}

func (c *Connection) handlePart(msg *irc.Message) {
	if msg.Param(0) == "" {
		c.numeric(irc.ErrNeedMoreParams, "PART", "Not enough parameters")
		return
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		if name != "" {
			c.state.PartChannel(name, msg.Param(1), c.send)
		}
	}
}

func (c *Connection) handlePrivmsg(msg *irc.Message) {
	target, body := msg.Param(0), msg.Param(1)
	if target == "" || body == "" {
		c.numeric(irc.ErrNeedMoreParams, msg.Command, "Not enough parameters")
		return
	}

	roomID, _, ok := c.store.RoomFromChannel(target)
	if !ok {
		c.numeric(irc.ErrNoSuchChannel, target, "No such channel")
		return
	}

	msgType := event.MsgText
	if msg.Command == "NOTICE" {
		msgType = event.MsgNotice
	}
	if action, ok := ctcpAction(body); ok {
		msgType = event.MsgEmote
		body = action
	}

	c.mu.Lock()
	mx := c.mx
	c.mu.Unlock()

	eventID, err := mx.SendMessage(c.ctx, roomID, msgType, body)
	if err != nil {
		logger.Error().Str("conn_id", c.ID).Str("room_id", string(roomID)).Err(err).Msg("failed to send message to matrix")
		c.sendNotice("Could not deliver message to " + target)
		return
	}
	logger.Debug().Str("conn_id", c.ID).Str("room_id", string(roomID)).Str("event_id", string(eventID)).Msg("message sent to matrix")

	// With echo-message the client expects its own message back; the copy
	// arrives through /sync and is labeled there. Without the capability
	// the sync loop drops our own events.
	if c.state.HasCapability(session.CapEchoMessage) {
		if label, ok := msg.Tags["label"]; ok && c.state.HasCapability(session.CapLabeledResponse) {
			c.rememberLabel(eventID, label)
		}
	}
}

func (c *Connection) handleTopic(msg *irc.Message) {
	name := msg.Param(0)
	if name == "" {
		c.numeric(irc.ErrNeedMoreParams, "TOPIC", "Not enough parameters")
		return
	}
	if len(msg.Params) > 1 {
		c.numeric(irc.ErrChanOpPrivsNeeded, name, "Setting topics through the gateway is not supported")
		return
	}
	c.state.TopicReply(name, c.send, c.store)
}

func (c *Connection) handleNames(msg *irc.Message) {
	name := msg.Param(0)
	if name == "" {
		c.numeric(irc.ErrNeedMoreParams, "NAMES", "Not enough parameters")
		return
	}
	c.state.NamesReply(name, c.send, c.store)
}

func (c *Connection) handleList(_ *irc.Message) {
	c.numeric(irc.RplListStart, "Channel", "Users  Name")
	for _, entry := range c.store.ListRooms() {
		c.numeric(irc.RplList, entry.Channel, entry.Members, entry.Topic)
	}
	c.numeric(irc.RplListEnd, "End of /LIST")
}

// handleMatrixJoin joins a Matrix room by alias or ID on the Matrix side.
// The room materializes as a pending channel once it shows up in /sync; the
// client still JOINs it explicitly.
func (c *Connection) handleMatrixJoin(msg *irc.Message) {
	target := msg.Param(0)
	if target == "" {
		c.numeric(irc.ErrNeedMoreParams, "MJOIN", "Not enough parameters")
		return
	}

	c.mu.Lock()
	mx := c.mx
	c.mu.Unlock()

	roomID, err := mx.JoinRoom(c.ctx, target)
	if err != nil {
		logger.Warn().Str("conn_id", c.ID).Str("target", target).Err(err).Msg("matrix room join failed")
		c.sendNotice("Could not join " + target)
		return
	}
	logger.Info().Str("conn_id", c.ID).Str("room_id", string(roomID)).Msg("joined matrix room")
	c.sendNotice("Joined " + target + "; the channel will appear shortly")
}

func (c *Connection) handleBatch(msg *irc.Message) {
	ref := msg.Param(0)
	switch {
	case strings.HasPrefix(ref, "+"):
		c.state.CreateBatch(strings.TrimPrefix(ref, "+"), msg)
	case strings.HasPrefix(ref, "-"):
		_, commands, ok := c.state.PopBatch(strings.TrimPrefix(ref, "-"))
		if !ok {
			return
		}
		for _, buffered := range commands {
			delete(buffered.Tags, "batch")
			c.handleMessage(buffered)
		}
	}
}

// trackedName returns the channel name the sync loop currently tracks for
// the room.
func (c *Connection) trackedName(roomID id.RoomID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.names[roomID]
	return name, ok
}

// rememberLabel stores a labeled-response tag until the echo of the sent
// event comes back through /sync.
func (c *Connection) rememberLabel(eventID id.EventID, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels[eventID] = label
}

// takeLabel removes and returns the label remembered for the event, if any.
func (c *Connection) takeLabel(eventID id.EventID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	label, ok := c.labels[eventID]
	if ok {
		delete(c.labels, eventID)
	}
	return label, ok
}

// ctcpAction unwraps a CTCP ACTION payload ("/me" messages).
func ctcpAction(body string) (string, bool) {
	if strings.HasPrefix(body, "\x01ACTION ") && strings.HasSuffix(body, "\x01") {
		return strings.TrimSuffix(strings.TrimPrefix(body, "\x01ACTION "), "\x01"), true
	}
	return "", false
}
