package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/irc"
	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/models"
)

func init() {
	logger.Init(logger.LevelCritical)
}

type sentMessage struct {
	RoomID  id.RoomID
	MsgType event.MessageType
	Body    string
}

// fakeMatrix is an in-memory stand-in for the homeserver session.
type fakeMatrix struct {
	mu        sync.Mutex
	userID    id.UserID
	whoamiErr error
	sendErr   error
	nextEvent id.EventID
	sent      []sentMessage
	joined    []string
}

func (f *fakeMatrix) Whoami(_ context.Context) (id.UserID, error) {
	if f.whoamiErr != nil {
		return "", f.whoamiErr
	}
	return f.userID, nil
}

// Sync blocks until the connection shuts down; sync behavior is exercised by
// driving applySync directly.
func (f *fakeMatrix) Sync(ctx context.Context, _ string, _ time.Duration) (*mautrix.RespSync, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomIDOrAlias string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomIDOrAlias)
	return "!joined:example.com", nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, msgType event.MessageType, body string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{RoomID: roomID, MsgType: msgType, Body: body})
	if f.nextEvent != "" {
		return f.nextEvent, nil
	}
	return "$sent:example.com", nil
}

func (f *fakeMatrix) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// testConn satisfies io.ReadWriteCloser and records every line written to
// the client.
type testConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (tc *testConn) Read(_ []byte) (int, error) { return 0, io.EOF }

func (tc *testConn) Write(p []byte) (int, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.buf.Write(p)
}

func (tc *testConn) Close() error { return nil }

func (tc *testConn) Lines() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	raw := strings.TrimSuffix(tc.buf.String(), "\r\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\r\n")
}

func (tc *testConn) Reset() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.buf.Reset()
}

func newTestConnection(t *testing.T) (*Connection, *testConn, *fakeMatrix) {
	t.Helper()

	sink := &testConn{}
	fake := &fakeMatrix{userID: "@alice:example.com"}
	c := NewConnection(context.Background(), NewTestConfig(), sink, nil)
	c.newMatrix = func(token string) (matrixSession, error) {
		return fake, nil
	}
	t.Cleanup(c.Close)
	return c, sink, fake
}

func line(raw string) *irc.Message {
	msg, err := irc.ParseMessage(raw)
	if err != nil {
		panic(err)
	}
	return msg
}

func register(t *testing.T, c *Connection, sink *testConn) {
	t.Helper()
	c.handleMessage(line("PASS secret-token"))
	c.handleMessage(line("NICK alice"))
	c.handleMessage(line("USER alice 0 * :Alice Example"))
	require.True(t, c.state.Registered())
	sink.Reset()
}

// TestRegistrationFlow completes PASS/NICK/USER and checks the welcome
// numerics plus the server-derived nick.
func TestRegistrationFlow(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("PASS secret-token"))
	c.handleMessage(line("NICK alice"))
	assert.False(t, c.state.Registered())

	c.handleMessage(line("USER alice 0 * :Alice Example"))
	require.True(t, c.state.Registered())
	assert.Equal(t, "alice:example.com", c.state.Nick().String())

	lines := sink.Lines()
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, ":server. 001 alice:example.com :Welcome to the Matrix gateway alice:example.com", lines[0])
	assert.Contains(t, lines[1], "002")
	assert.Contains(t, lines[4], "005")
}

// TestRegistrationRequiresPass rejects clients without an access token.
func TestRegistrationRequiresPass(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("NICK alice"))
	c.handleMessage(line("USER alice 0 * :Alice Example"))

	assert.False(t, c.state.Registered())
	lines := sink.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "access token")
	assert.Contains(t, lines[len(lines)-1], "ERROR")
}

// TestRegistrationRejectsBadToken ends the connection when the homeserver
// rejects the token.
func TestRegistrationRejectsBadToken(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	fake.whoamiErr = errors.New("M_UNKNOWN_TOKEN: invalid token")

	c.handleMessage(line("PASS wrong"))
	c.handleMessage(line("NICK alice"))
	c.handleMessage(line("USER alice 0 * :Alice Example"))

	assert.False(t, c.state.Registered())
	lines := sink.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "rejected")
}

// TestCapNegotiationDelaysWelcome holds registration open until CAP END.
func TestCapNegotiationDelaysWelcome(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("CAP LS 302"))
	c.handleMessage(line("PASS secret-token"))
	c.handleMessage(line("NICK alice"))
	c.handleMessage(line("USER alice 0 * :Alice Example"))
	assert.False(t, c.state.Registered())

	c.handleMessage(line("CAP REQ :message-tags server-time"))
	assert.True(t, c.state.HasCapability("message-tags"))
	assert.True(t, c.state.HasCapability("server-time"))

	c.handleMessage(line("CAP END"))
	require.True(t, c.state.Registered())

	lines := sink.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "CAP * LS :")
	assert.Contains(t, lines[0], "message-tags")
	assert.Contains(t, lines[1], "CAP * ACK :message-tags server-time")
}

// TestCapReqUnknownNak refuses a REQ naming any unsupported capability.
func TestCapReqUnknownNak(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("CAP REQ :message-tags bogus-cap"))

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "CAP * NAK")
	assert.False(t, c.state.HasCapability("message-tags"))
}

func TestPingPong(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("PING token123"))

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, ":server. PONG matrix2irc token123", lines[0])
}

// TestCommandsRequireRegistration replies 451 before registration completes.
func TestCommandsRequireRegistration(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	c.handleMessage(line("JOIN #chan"))

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "451")
}

func TestUnknownCommand(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)

	c.handleMessage(line("FROBNICATE"))

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, ":server. 421 alice:example.com FROBNICATE :Unknown command", lines[0])
}

// TestMissingParameters replies 461 when a command lacks required
// parameters.
func TestMissingParameters(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)

	c.handleMessage(line("JOIN"))
	c.handleMessage(line("PRIVMSG #chan"))

	lines := sink.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, ":server. 461 alice:example.com JOIN :Not enough parameters", lines[0])
	assert.Equal(t, ":server. 461 alice:example.com PRIVMSG :Not enough parameters", lines[1])
}

// TestPrivmsgSendsToMatrix resolves the channel to a room and posts the
// message as m.text.
func TestPrivmsgSendsToMatrix(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#chan")

	c.handleMessage(line("PRIVMSG #chan :hello world"))

	sent := fake.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, id.RoomID("!abc:example.com"), sent[0].RoomID)
	assert.Equal(t, event.MsgText, sent[0].MsgType)
	assert.Equal(t, "hello world", sent[0].Body)
	assert.Empty(t, sink.Lines())
}

func TestPrivmsgUnknownTarget(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	register(t, c, sink)

	c.handleMessage(line("PRIVMSG #nope :hello"))

	assert.Empty(t, fake.sentMessages())
	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, ":server. 403 alice:example.com #nope :No such channel", lines[0])
}

// TestNoticeAndActionTranslation maps NOTICE to m.notice and CTCP ACTION to
// m.emote.
func TestNoticeAndActionTranslation(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#chan")

	c.handleMessage(line("NOTICE #chan :heads up"))
	c.handleMessage(line("PRIVMSG #chan :\x01ACTION waves\x01"))

	sent := fake.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, event.MsgNotice, sent[0].MsgType)
	assert.Equal(t, "heads up", sent[0].Body)
	assert.Equal(t, event.MsgEmote, sent[1].MsgType)
	assert.Equal(t, "waves", sent[1].Body)
}

// TestListNumerics renders the room listing between 321 and 323.
func TestListNumerics(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#general")
	c.store.AddMember("!abc:example.com", "@bob:example.com", models.Member{})

	c.handleMessage(line("LIST"))

	lines := sink.Lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "321")
	assert.Equal(t, ":server. 322 alice:example.com #general 1 :", lines[1])
	assert.Contains(t, lines[2], "323")
}

// TestMatrixJoinCommand joins the room on the Matrix side only.
func TestMatrixJoinCommand(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	register(t, c, sink)

	c.handleMessage(line("MJOIN #general:example.com"))

	assert.Equal(t, []string{"#general:example.com"}, fake.joined)
	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Joined #general:example.com")
}

// TestJoinWaitsForSync defers materialization of a known but unsynced room
// until its first complete sync.
func TestJoinWaitsForSync(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#chan")

	c.handleMessage(line("JOIN #chan"))
	assert.Empty(t, sink.Lines())

	c.store.MarkSynced("!abc:example.com")

	lines := sink.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "JOIN #chan")
	status, ok := c.state.Channel("#chan")
	require.True(t, ok)
	assert.True(t, status.Joined)
}

func TestJoinUnknownChannel(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)

	c.handleMessage(line("JOIN #nope"))

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, ":server. 403 alice:example.com #nope :No such channel", lines[0])
}

// TestTopicIsReadOnly refuses topic changes but answers topic queries.
func TestTopicIsReadOnly(t *testing.T) {
	c, sink, _ := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#chan")
	c.store.MarkSynced("!abc:example.com")
	c.handleMessage(line("JOIN #chan"))
	sink.Reset()

	c.handleMessage(line("TOPIC #chan :new topic"))
	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "482")

	sink.Reset()
	c.handleMessage(line("TOPIC #chan"))
	lines = sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "331")
}

// TestBatchBuffersCommands holds tagged commands until the closing BATCH and
// then executes them in order.
func TestBatchBuffersCommands(t *testing.T) {
	c, sink, fake := newTestConnection(t)
	register(t, c, sink)
	c.store.SetCanonicalAlias("!abc:example.com", "#chan")

	c.handleMessage(line("BATCH +ref draft/multiline #chan"))
	c.handleMessage(line("@batch=ref PRIVMSG #chan :first"))
	c.handleMessage(line("@batch=ref PRIVMSG #chan :second"))
	assert.Empty(t, fake.sentMessages())

	c.handleMessage(line("BATCH -ref"))

	sent := fake.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "first", sent[0].Body)
	assert.Equal(t, "second", sent[1].Body)
}

func TestMalformedLineNotice(t *testing.T) {
	c, sink, _ := newTestConnection(t)

	// Feed the read loop directly so the parse failure path runs.
	c.Run(strings.NewReader("@bad!key=1 PING\r\n"))

	lines := sink.Lines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "Malformed line")
}
