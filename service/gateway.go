package service

import (
	"context"
	"fmt"
	"net"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/models"
	"github.com/nethesis/matrix2irc/rooms"
	"github.com/nethesis/matrix2irc/session"
)

// ConnectionStatus is the listing row for one live connection.
type ConnectionStatus struct {
	ID           string   `json:"id"`
	RemoteAddr   string   `json:"remote_addr"`
	User         string   `json:"user"`
	Registered   bool     `json:"registered"`
	Capabilities []string `json:"capabilities"`
}

// ConnectionState is the full diagnostic snapshot of one connection: its
// status plus the channel records and the cached room state.
type ConnectionState struct {
	ConnectionStatus
	Channels []session.ChannelStatus   `json:"channels"`
	Rooms    map[id.RoomID]models.Room `json:"rooms"`
}

// Gateway accepts IRC client connections and keeps the registry the admin
// API reads.
type Gateway struct {
	cfg    *Config
	derive func(id.RoomID, models.Room) string

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewGateway creates a gateway, loading channel-name overrides from the
// configured alias file when one is set.
func NewGateway(cfg *Config) (*Gateway, error) {
	aliases := rooms.DefaultAliases()
	if cfg.AliasFile != "" {
		loaded, err := rooms.LoadAliases(cfg.AliasFile)
		if err != nil {
			return nil, fmt.Errorf("load alias file: %w", err)
		}
		aliases = loaded
	}
	return &Gateway{
		cfg:    cfg,
		derive: aliases.ChannelName,
		conns:  make(map[string]*Connection),
	}, nil
}

// ListenAndServe accepts IRC clients until the context is canceled or the
// listener fails.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+g.cfg.IRCPort)
	if err != nil {
		return fmt.Errorf("listen on IRC port: %w", err)
	}
	logger.Info().Str("port", g.cfg.IRCPort).Msg("IRC listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept IRC connection: %w", err)
		}
		go g.handle(ctx, conn)
	}
}

func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	c := NewConnection(ctx, g.cfg, conn, g.derive)
	c.remoteAddr = conn.RemoteAddr().String()
	logger.Info().Str("conn_id", c.ID).Str("remote", c.remoteAddr).Msg("client connected")

	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()

	c.Run(conn)

	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()
}

// Connections lists the live connections.
func (g *Gateway) Connections() []ConnectionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	statuses := make([]ConnectionStatus, 0, len(g.conns))
	for _, c := range g.conns {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// Connection looks up a live connection by ID.
func (g *Gateway) Connection(connID string) (*Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[connID]
	return c, ok
}

// Status returns the listing row for this connection.
func (c *Connection) Status() ConnectionStatus {
	return ConnectionStatus{
		ID:           c.ID,
		RemoteAddr:   c.remoteAddr,
		User:         c.state.User(),
		Registered:   c.state.Registered(),
		Capabilities: c.state.Capabilities(),
	}
}

// DumpState returns the full diagnostic snapshot for this connection.
func (c *Connection) DumpState() ConnectionState {
	return ConnectionState{
		ConnectionStatus: c.Status(),
		Channels:         c.state.DumpChannels(),
		Rooms:            c.store.DumpState(),
	}
}
