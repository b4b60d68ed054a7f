package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/canvashub/pkg/protocol"
)

// LoginError is an error reply from the server to a login command
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string { return "login failed: " + e.Message }

// DisconnectedError is returned when the server ends the connection
// while a reply is awaited
type DisconnectedError struct {
	Reason  protocol.DisconnectReason
	Message string
}

func (e *DisconnectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("disconnected by server (%s)", e.Reason)
	}
	return fmt.Sprintf("disconnected by server (%s): %s", e.Reason, e.Message)
}

// Greeting is the server's hello
type Greeting struct {
	Protocol   int
	Guests     bool
	GuestHosts bool
	Persistent bool
}

// SessionInfo describes a session in the server's session list
type SessionInfo struct {
	ID           string `cbor:"id"`
	Alias        string `cbor:"alias"`
	Title        string `cbor:"title"`
	Founder      string `cbor:"founder"`
	UserCount    int    `cbor:"userCount"`
	MaxUserCount int    `cbor:"maxUserCount"`
	HasPassword  bool   `cbor:"hasPassword"`
	Closed       bool   `cbor:"closed"`
}

// Credentials identify the user. An empty password logs in as a guest.
type Credentials struct {
	Username string
	Password string
	Avatar   []byte
}

// HostOptions describe a session to create
type HostOptions struct {
	Alias           string
	Title           string
	SessionPassword string
}

// Joined is the server's confirmation of a host or join command
type Joined struct {
	Session string
	Alias   string
	User    uint8
	Host    bool
}

// AwaitReply reads incoming messages until a reply of one of the given
// types arrives. Messages read before it are dropped, so it is only
// meant for the login phase. Error replies fail the wait.
func (c *Connection) AwaitReply(ctx context.Context, types ...protocol.ReplyType) (protocol.ServerReply, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.ServerReply{}, ctx.Err()

		case msg, ok := <-c.incoming:
			if !ok {
				return protocol.ServerReply{}, ErrClosed
			}
			switch m := msg.(type) {
			case *protocol.Disconnect:
				return protocol.ServerReply{}, &DisconnectedError{Reason: m.Reason(), Message: m.Message()}
			case *protocol.Control:
				reply, err := m.Reply()
				if err != nil {
					return reply, err
				}
				if reply.Type == protocol.ReplyError {
					return reply, &LoginError{Message: reply.Message}
				}
				for _, t := range types {
					if reply.Type == t {
						return reply, nil
					}
				}
			}
		}
	}
}

// awaitLogin waits for a login reply in the given state
func (c *Connection) awaitLogin(ctx context.Context, state string) (protocol.ServerReply, error) {
	for {
		reply, err := c.AwaitReply(ctx, protocol.ReplyLogin)
		if err != nil {
			return reply, err
		}
		if reply.Reply["state"] == state {
			return reply, nil
		}
	}
}

// Hello waits for the greeting every connection starts with
func (c *Connection) Hello(ctx context.Context) (Greeting, error) {
	reply, err := c.awaitLogin(ctx, "hello")
	if err != nil {
		return Greeting{}, err
	}
	version, _ := protocol.ToInt(reply.Reply["protocol"])
	g := Greeting{Protocol: version}
	g.Guests, _ = reply.Reply["guests"].(bool)
	g.GuestHosts, _ = reply.Reply["guestHosts"].(bool)
	g.Persistent, _ = reply.Reply["persistent"].(bool)
	return g, nil
}

// List fetches the sessions the server lists
func (c *Connection) List(ctx context.Context) ([]SessionInfo, error) {
	if err := c.Command("list", nil, nil); err != nil {
		return nil, err
	}
	reply, err := c.awaitLogin(ctx, "sessions")
	if err != nil {
		return nil, err
	}
	raw, err := protocol.Marshal(reply.Reply["sessions"])
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := protocol.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("invalid session list: %w", err)
	}
	return sessions, nil
}

// Host creates a new session. The server then expects the initial
// canvas content followed by InitComplete.
func (c *Connection) Host(ctx context.Context, creds Credentials, opts HostOptions) (Joined, error) {
	kwargs := credentialArgs(creds)
	setIfNotEmpty(kwargs, "alias", opts.Alias)
	setIfNotEmpty(kwargs, "title", opts.Title)
	setIfNotEmpty(kwargs, "sessionPassword", opts.SessionPassword)
	if err := c.Command("host", nil, kwargs); err != nil {
		return Joined{}, err
	}
	return c.awaitJoined(ctx)
}

// Join enters an existing session by id or alias
func (c *Connection) Join(ctx context.Context, creds Credentials, session, sessionPassword string) (Joined, error) {
	if session == "" {
		return Joined{}, errors.New("session id is empty")
	}
	kwargs := credentialArgs(creds)
	kwargs["session"] = session
	setIfNotEmpty(kwargs, "sessionPassword", sessionPassword)
	if err := c.Command("join", nil, kwargs); err != nil {
		return Joined{}, err
	}
	return c.awaitJoined(ctx)
}

// InitComplete ends the upload of a new or reset session
func (c *Connection) InitComplete() error {
	return c.Command("init-complete", nil, nil)
}

func (c *Connection) awaitJoined(ctx context.Context) (Joined, error) {
	reply, err := c.awaitLogin(ctx, "joined")
	if err != nil {
		return Joined{}, err
	}
	user, _ := protocol.ToInt(reply.Reply["user"])
	j := Joined{User: uint8(user)}
	j.Session, _ = reply.Reply["session"].(string)
	j.Alias, _ = reply.Reply["alias"].(string)
	j.Host, _ = reply.Reply["host"].(bool)
	return j, nil
}

func credentialArgs(creds Credentials) map[string]any {
	kwargs := map[string]any{"username": creds.Username}
	setIfNotEmpty(kwargs, "password", creds.Password)
	if len(creds.Avatar) > 0 {
		kwargs["avatar"] = creds.Avatar
	}
	return kwargs
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
