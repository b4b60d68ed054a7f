package server

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
)

var (
	ErrBadCredentials       = errors.New("incorrect username or password")
	ErrUsernameRegistered   = errors.New("this username belongs to a registered user")
	ErrGuestsNotAllowed     = errors.New("guest logins are disabled")
	ErrGuestHostsNotAllowed = errors.New("only registered users may host sessions")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidAlias         = errors.New("invalid session alias")
)

const (
	maxUsernameLength = 32
	maxLoginAttempts  = 5
)

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,31}$`)

// IdentityProvider authenticates users at login
type IdentityProvider interface {
	Authenticate(username, password string) (Identity, error)
}

// ConfigIdentities authenticates against the registered users of the
// config file. Unregistered names log in as guests when allowed.
type ConfigIdentities struct {
	users       map[string]UserEntry
	allowGuests bool
}

func NewConfigIdentities(users []UserEntry, allowGuests bool) *ConfigIdentities {
	p := &ConfigIdentities{
		users:       make(map[string]UserEntry, len(users)),
		allowGuests: allowGuests,
	}
	for _, u := range users {
		p.users[strings.ToLower(u.Name)] = u
	}
	return p
}

func (p *ConfigIdentities) Authenticate(username, password string) (Identity, error) {
	if !validUsername(username) {
		return Identity{}, ErrInvalidUsername
	}

	if entry, ok := p.users[strings.ToLower(username)]; ok {
		if password == "" {
			return Identity{}, ErrUsernameRegistered
		}
		if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password)); err != nil {
			return Identity{}, ErrBadCredentials
		}
		return Identity{
			Username:      entry.Name,
			ExtAuthID:     "user:" + strings.ToLower(entry.Name),
			Authenticated: true,
			Moderator:     entry.Moderator,
		}, nil
	}

	if password != "" {
		return Identity{}, ErrBadCredentials
	}
	if !p.allowGuests {
		return Identity{}, ErrGuestsNotAllowed
	}
	return Identity{Username: username}, nil
}

func validUsername(name string) bool {
	if name == "" || name != strings.TrimSpace(name) || utf8.RuneCountInString(name) > maxUsernameLength {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// loginRequest is the kwargs of the host and join commands
type loginRequest struct {
	Username        string `cbor:"username"`
	Password        string `cbor:"password"`
	Avatar          []byte `cbor:"avatar"`
	Session         string `cbor:"session"`
	SessionPassword string `cbor:"sessionPassword"`
	Alias           string `cbor:"alias"`
	Title           string `cbor:"title"`
}

// greet is the first message of every connection
func (s *Server) greet(c *Client) {
	c.reply(protocol.ReplyLogin, "", map[string]any{
		"state":      "hello",
		"protocol":   int(protocol.ProtocolVersion),
		"guests":     s.config.AllowGuests,
		"guestHosts": s.config.AllowGuestHosts,
		"persistent": s.config.Session.AllowPersistent,
	})
}

// handleLogin processes messages of a client that has not joined a
// session yet. It runs on the client's reader goroutine.
func (s *Server) handleLogin(c *Client, msg protocol.Message) {
	var m *protocol.Control
	switch msg := msg.(type) {
	case *protocol.Control:
		m = msg
	case *protocol.Ping:
		if !msg.IsPong() {
			c.send(protocol.NewPing(0, true))
		}
		return
	case *protocol.Disconnect:
		return
	case *protocol.UserJoin, *protocol.UserLeave, *protocol.SessionOwner, *protocol.TrustedUsers,
		*protocol.Chat, *protocol.PrivateChat, *protocol.SoftReset, *protocol.Interval,
		*protocol.Marker, *protocol.Canvas:
		s.debugLog.Printf("Login %s: unexpected %s", c.RemoteIP(), msg.Type().Name())
		c.Disconnect(protocol.DisconnectError, "Expected a login command")
		return
	default:
		panic("unhandled message type")
	}

	cmd, err := m.Command()
	if err != nil {
		c.Disconnect(protocol.DisconnectError, "Invalid login command")
		return
	}

	switch cmd.Cmd {
	case "list":
		s.sendSessionList(c)
		return
	case "host", "join":
	default:
		c.sendError("Unknown login command: " + cmd.Cmd)
		return
	}

	var req loginRequest
	if err := cmd.DecodeKwargs(&req); err != nil {
		c.sendError("Invalid login arguments")
		return
	}
	if cmd.Cmd == "host" {
		err = s.hostSession(c, req)
	} else {
		err = s.joinSession(c, req)
	}
	if err != nil {
		s.loginFailed(c, cmd.Cmd, err)
	}
}

func (s *Server) sendSessionList(c *Client) {
	sessions := s.registry.Sessions()
	list := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		list = append(list, sess.Description(false))
	}
	c.reply(protocol.ReplyLogin, "", map[string]any{
		"state":    "sessions",
		"sessions": list,
	})
}

func (s *Server) loginFailed(c *Client, cmd string, err error) {
	c.loginAttempts++
	s.debugLog.Printf("Login %s: %s failed: %v", c.RemoteIP(), cmd, err)
	if c.loginAttempts >= maxLoginAttempts {
		c.Disconnect(protocol.DisconnectError, "Too many failed login attempts")
		return
	}
	c.reply(protocol.ReplyError, capitalize(err.Error()), map[string]any{
		"state": "login",
		"cmd":   cmd,
	})
}

func (s *Server) hostSession(c *Client, req loginRequest) error {
	identity, err := s.identities.Authenticate(req.Username, req.Password)
	if err != nil {
		return err
	}
	if !identity.Authenticated && !s.config.AllowGuestHosts {
		return ErrGuestHostsNotAllowed
	}
	if req.Alias != "" && !aliasPattern.MatchString(req.Alias) {
		return ErrInvalidAlias
	}
	if err := s.registry.CheckCapacity(req.Alias); err != nil {
		return err
	}

	passwordHash, err := hashPassword(req.SessionPassword)
	if err != nil {
		return fmt.Errorf("failed to hash session password: %w", err)
	}

	identity.Avatar = req.Avatar
	c.SetIdentity(identity)

	sess, err := s.createSession(history.Meta{
		ID:           uuid.NewString(),
		Alias:        req.Alias,
		Founder:      identity.Username,
		Title:        truncateRunes(req.Title, maxTitleLength),
		MaxUsers:     history.MaxUserID,
		PasswordHash: passwordHash,
	})
	if err != nil {
		return err
	}
	s.infoLog.Printf("Session %s: hosted by %s from %s", sess.ID(), identity.Username, c.RemoteIP())
	return sess.Join(c, true, "")
}

func (s *Server) joinSession(c *Client, req loginRequest) error {
	identity, err := s.identities.Authenticate(req.Username, req.Password)
	if err != nil {
		return err
	}
	sess, ok := s.registry.Get(req.Session)
	if !ok {
		return ErrSessionNotFound
	}

	identity.Avatar = req.Avatar
	c.SetIdentity(identity)
	return sess.Join(c, false, req.SessionPassword)
}
