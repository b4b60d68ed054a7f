package server

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

// Identity is what the login handshake learned about a user
type Identity struct {
	Username      string
	Avatar        []byte
	ExtAuthID     string
	Authenticated bool
	Moderator     bool
}

// Client is one connected user. Until it joins a session its messages go to
// the login handler; afterwards every field below the session pointer is
// owned by the session and only touched under its lock.
type Client struct {
	transport Transport
	identity  Identity
	connected time.Time

	session atomic.Pointer[Session]
	closed  atomic.Bool
	onLogin func(*Client, protocol.Message)
	onClose func(*Client)

	// Only touched by the login handler, before joining
	loginAttempts int

	id              uint8
	op              bool
	trusted         bool
	muted           bool
	historyPosition int
	holdQueue       []protocol.Message
	chatLimiter     *rate.Limiter
}

// NewClient creates a client in the login phase
func NewClient(t Transport, onLogin func(*Client, protocol.Message)) *Client {
	return &Client{
		transport:       t,
		connected:       time.Now(),
		onLogin:         onLogin,
		historyPosition: -1,
	}
}

func (c *Client) ID() uint8 { return c.id }
func (c *Client) Username() string { return c.identity.Username }
func (c *Client) IsAuthenticated() bool { return c.identity.Authenticated }
func (c *Client) IsModerator() bool { return c.identity.Moderator }
func (c *Client) RemoteIP() string { return c.transport.RemoteIP() }
func (c *Client) Session() *Session { return c.session.Load() }

// IsOperator is true for operators and moderators
func (c *Client) IsOperator() bool { return c.op || c.identity.Moderator }

// IsDeputy is true for trusted non-operators when the session enables deputies
func (c *Client) IsDeputy() bool {
	s := c.session.Load()
	return !c.IsOperator() && c.trusted && s != nil && s.history.DeputiesEnabled()
}

func (c *Client) isLoopback() bool {
	ip := net.ParseIP(c.transport.RemoteIP())
	return ip != nil && ip.IsLoopback()
}

// SetIdentity is called by the login handler before joining
func (c *Client) SetIdentity(id Identity) {
	c.identity = id
}

// MessageReceived implements TransportHandler
func (c *Client) MessageReceived(msg protocol.Message) {
	if s := c.session.Load(); s != nil {
		s.clientMessage(c, msg)
		return
	}
	if c.onLogin != nil {
		c.onLogin(c, msg)
	}
}

// SendQueueDrained implements TransportHandler
func (c *Client) SendQueueDrained() {
	if s := c.session.Load(); s != nil {
		s.clientDrained(c)
	}
}

// TransportClosed implements TransportHandler
func (c *Client) TransportClosed() {
	c.closed.Store(true)
	if s := c.session.Load(); s != nil {
		s.clientGone(c)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Disconnect sends a Disconnect message after everything already queued,
// then closes the connection
func (c *Client) Disconnect(reason protocol.DisconnectReason, message string) {
	c.transport.Disconnect(reason, message)
}

func (c *Client) isClosed() bool { return c.closed.Load() }

func (c *Client) send(msgs ...protocol.Message) {
	c.transport.Send(msgs...)
}

func (c *Client) reply(replyType protocol.ReplyType, message string, body map[string]any) {
	c.send(protocol.NewReply(protocol.ServerReply{Type: replyType, Message: message, Reply: body}))
}

func (c *Client) sendSystemChat(message string) {
	c.reply(protocol.ReplyMessage, message, nil)
}

func (c *Client) sendError(message string) {
	c.reply(protocol.ReplyError, message, nil)
}

func (c *Client) joinMessage() protocol.Message {
	var flags uint8
	if c.identity.Authenticated {
		flags |= protocol.JoinFlagAuth
	}
	if c.identity.Moderator {
		flags |= protocol.JoinFlagMod
	}
	return protocol.NewUserJoin(c.id, flags, c.identity.Username, c.identity.Avatar)
}

func newChatLimiter(cfg SessionConfig) *rate.Limiter {
	if cfg.ChatRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.ChatRate), max(cfg.ChatBurst, 1))
}

// logUser is the User field of log entries about this client
func (c *Client) logUser() string {
	return serverlog.FormatUser(c.id, c.transport.RemoteIP(), c.identity.Username)
}

// Description is the admin view of a client
func (c *Client) Description(includeSession bool) map[string]any {
	d := map[string]any{
		"id":      int(c.id),
		"name":    c.identity.Username,
		"ip":      c.transport.RemoteIP(),
		"auth":    c.identity.Authenticated,
		"op":      c.IsOperator(),
		"trusted": c.trusted,
		"muted":   c.muted,
		"mod":     c.identity.Moderator,
		"online":  time.Since(c.connected).Round(time.Second).String(),
	}
	if s := c.session.Load(); includeSession && s != nil {
		d["session"] = s.ID()
	}
	return d
}
