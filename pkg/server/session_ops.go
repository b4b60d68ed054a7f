package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

const maxTitleLength = 100

var (
	errNotOperator     = errors.New("only session operators can do that")
	errNoSuchUser      = errors.New("no such user")
	errBadArguments    = errors.New("invalid command arguments")
	errResetInProgress = errors.New("session is not in a state that can be reset")
	errResetReserved   = errors.New("another operator is resetting the session")
	errIncorrectOpword = errors.New("incorrect password")
)

// ConfigPatch is a partial update of session settings. Nil fields are
// left as they are.
type ConfigPatch struct {
	Closed         *bool   `json:"closed,omitempty" cbor:"closed,omitempty"`
	AuthOnly       *bool   `json:"authOnly,omitempty" cbor:"authOnly,omitempty"`
	Persistent     *bool   `json:"persistent,omitempty" cbor:"persistent,omitempty"`
	Title          *string `json:"title,omitempty" cbor:"title,omitempty"`
	MaxUserCount   *int    `json:"maxUserCount,omitempty" cbor:"maxUserCount,omitempty"`
	ResetThreshold *int    `json:"resetThreshold,omitempty" cbor:"resetThreshold,omitempty"`
	Password       *string `json:"password,omitempty" cbor:"password,omitempty"`
	Opword         *string `json:"opword,omitempty" cbor:"opword,omitempty"`
	PreserveChat   *bool   `json:"preserveChat,omitempty" cbor:"preserveChat,omitempty"`
	Nsfm           *bool   `json:"nsfm,omitempty" cbor:"nsfm,omitempty"`
	Deputies       *bool   `json:"deputies,omitempty" cbor:"deputies,omitempty"`
}

// ApplyConfig applies a patch on behalf of the server itself
func (s *Session) ApplyConfig(patch ConfigPatch) {
	s.withLock(func() {
		if s.state != StateShutdown {
			s.applyConfig(patch, nil)
		}
	})
}

// applyConfig applies patch and announces the new settings. actor is nil
// when the server makes the change.
func (s *Session) applyConfig(patch ConfigPatch, actor *Client) {
	var changes []string
	choose := func(v bool, yes, no string) string {
		if v {
			return yes
		}
		return no
	}

	if v := patch.Closed; v != nil {
		s.closed = *v
		changes = append(changes, choose(*v, "closed", "opened"))
	}
	// Only authenticated users may lock guests out, so nobody can
	// accidentally lock themselves out
	if v := patch.AuthOnly; v != nil && (!*v || actor == nil || actor.IsAuthenticated()) {
		s.authOnly = *v
		changes = append(changes, choose(*v, "blocked guest logins", "permitted guest logins"))
	}
	if v := patch.Persistent; v != nil {
		s.history.SetPersistent(*v && s.config.AllowPersistent)
		changes = append(changes, choose(*v, "made persistent", "made nonpersistent"))
	}
	if v := patch.Title; v != nil {
		s.history.SetTitle(truncateRunes(*v, maxTitleLength))
		changes = append(changes, "changed title")
	}
	if v := patch.MaxUserCount; v != nil {
		s.history.SetMaxUsers(min(max(*v, 1), history.MaxUserID))
		changes = append(changes, "changed max. user count")
	}
	if v := patch.ResetThreshold; v != nil {
		s.history.SetAutoResetThreshold(*v)
		changes = append(changes, "changed autoreset threshold")
	}
	if v := patch.Password; v != nil {
		if hash, err := hashPassword(*v); err != nil {
			s.logger.Printf("Session %s: failed to hash password: %v", s.ID(), err)
		} else {
			s.history.SetPasswordHash(hash)
			changes = append(changes, "changed password")
		}
	}
	if v := patch.Opword; v != nil {
		if hash, err := hashPassword(*v); err != nil {
			s.logger.Printf("Session %s: failed to hash opword: %v", s.ID(), err)
		} else {
			s.history.SetOpwordHash(hash)
			changes = append(changes, "changed opword")
		}
	}
	if v := patch.PreserveChat; v != nil {
		s.history.SetPreserveChat(*v)
		changes = append(changes, choose(*v, "preserve chat", "don't preserve chat"))
	}
	if v := patch.Nsfm; v != nil {
		s.history.SetNsfm(*v)
		changes = append(changes, choose(*v, "tagged NSFM", "removed NSFM tag"))
	}
	if v := patch.Deputies; v != nil {
		s.history.SetDeputies(*v)
		changes = append(changes, choose(*v, "enabled deputies", "disabled deputies"))
	}

	if len(changes) == 0 {
		return
	}
	s.sendUpdatedSessionProperties()

	entry := serverlog.Entry{
		Level:   serverlog.LevelInfo,
		Topic:   serverlog.TopicStatus,
		Message: capitalize(strings.Join(changes, ", ")),
	}
	if actor != nil {
		entry.User = actor.logUser()
	}
	s.log(entry)
}

func (s *Session) setClosed(closed bool) {
	if s.closed != closed {
		s.closed = closed
		s.sendUpdatedSessionProperties()
	}
}

func truncateRunes(str string, n int) string {
	if utf8.RuneCountInString(str) <= n {
		return str
	}
	return string([]rune(str)[:n])
}

func capitalize(str string) string {
	r, size := utf8.DecodeRuneInString(str)
	if size == 0 {
		return str
	}
	return string(unicode.ToUpper(r)) + str[size:]
}

// hashPassword hashes a session password. The empty password clears it.
func hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// checkPassword accepts anything when no password is set
func checkPassword(hash, password string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// sendUpdatedSessionProperties appends the current settings to history
// so every client, including future ones, sees them
func (s *Session) sendUpdatedSessionProperties() {
	s.addToHistory(protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplySessionConf,
		Reply: map[string]any{"config": s.properties()},
	}))
}

func (s *Session) properties() map[string]any {
	return map[string]any{
		"closed":             s.closed,
		"authOnly":           s.authOnly,
		"persistent":         s.history.IsPersistent(),
		"title":              s.history.Title(),
		"maxUserCount":       s.history.MaxUsers(),
		"resetThreshold":     s.history.AutoResetThreshold(),
		"resetThresholdBase": s.history.AutoResetBaseSize(),
		"preserveChat":       s.history.PreserveChat(),
		"nsfm":               s.history.IsNsfm(),
		"deputies":           s.history.DeputiesEnabled(),
		"hasPassword":        s.history.PasswordHash() != "",
		"hasOpword":          s.history.OpwordHash() != "",
	}
}

func (s *Session) sendUpdatedMuteList() {
	muted := []int{}
	for _, c := range s.clients {
		if c.muted {
			muted = append(muted, int(c.id))
		}
	}
	s.addToHistory(protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplySessionConf,
		Reply: map[string]any{"config": map[string]any{"muted": muted}},
	}))
}

// sendBanlist sends the ban list to one client. Moderators and local
// users see the banned addresses.
func (s *Session) sendBanlist(c *Client) {
	showIP := c.IsModerator() || c.isLoopback()
	c.reply(protocol.ReplySessionConf, "", map[string]any{
		"config": map[string]any{"banlist": s.history.Bans().JSON(showIP)},
	})
}

func (s *Session) sendUpdatedBanlist() {
	for _, c := range s.clients {
		s.sendBanlist(c)
	}
}

// permissionChange is one pending change of a per-user flag. Changes are
// collected first and applied afterwards, so the client list is never
// modified while it is being scanned.
type permissionChange struct {
	client *Client
	on     bool
}

func (s *Session) operatorIDs() []uint8 {
	var ids []uint8
	for _, c := range s.clients {
		if c.IsOperator() {
			ids = append(ids, c.id)
		}
	}
	return ids
}

func (s *Session) trustedIDs() []uint8 {
	var ids []uint8
	for _, c := range s.clients {
		if c.trusted {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// updateOwnership makes exactly the clients in ids (plus moderators)
// operators and returns the resulting operator list
func (s *Session) updateOwnership(ids []uint8, changedBy string) []uint8 {
	var changes []permissionChange
	for _, c := range s.clients {
		op := slices.Contains(ids, c.id) || c.IsModerator()
		if op != c.IsOperator() {
			changes = append(changes, permissionChange{client: c, on: op})
		}
	}
	return s.applyOpChanges(changes, changedBy)
}

// changeOpStatus changes the status of one user and appends the new
// operator list to history
func (s *Session) changeOpStatus(id uint8, op bool, changedBy string) {
	var changes []permissionChange
	if c := s.clientByID(id); c != nil && c.IsOperator() != op && (op || !c.IsModerator()) {
		changes = append(changes, permissionChange{client: c, on: op})
	}
	ids := s.applyOpChanges(changes, changedBy)
	s.addToHistory(protocol.NewSessionOwner(0, ids))
	if !op {
		s.ensureOperatorExists()
	}
}

func (s *Session) applyOpChanges(changes []permissionChange, changedBy string) []uint8 {
	var kickResetter *Client
	for _, ch := range changes {
		c := ch.client
		// The resetter has part of the snapshot queued already; the
		// simplest safe thing is to drop the connection
		if !ch.on && int(c.id) == s.initUser && s.state == StateReset {
			kickResetter = c
		}

		c.op = ch.on
		msg, topic := "Made operator by "+changedBy, serverlog.TopicOp
		if !ch.on {
			msg, topic = "Operator status revoked by "+changedBy, serverlog.TopicDeop
		}
		s.clientLog(c, serverlog.LevelInfo, topic, msg)
		s.messageAll(c.Username()+" "+msg, false)

		if c.IsAuthenticated() && !c.IsModerator() {
			s.history.SetAuthenticatedOperator(c.Username(), ch.on)
		}
		if !ch.on && s.autoReset == AutoResetRequested && s.autoResetGrantee == c.id {
			s.revokeAutoReset("operator status revoked")
		}
	}

	ids := s.operatorIDs()
	if kickResetter != nil {
		s.disconnectError(kickResetter, "De-opped while resetting")
	}
	return ids
}

// updateTrustedUsers makes exactly the clients in ids trusted
func (s *Session) updateTrustedUsers(ids []uint8, changedBy string) []uint8 {
	var changes []permissionChange
	for _, c := range s.clients {
		if trusted := slices.Contains(ids, c.id); trusted != c.trusted {
			changes = append(changes, permissionChange{client: c, on: trusted})
		}
	}
	s.applyTrustChanges(changes, changedBy)
	return s.trustedIDs()
}

func (s *Session) changeTrustedStatus(id uint8, trusted bool, changedBy string) {
	var changes []permissionChange
	if c := s.clientByID(id); c != nil && c.trusted != trusted {
		changes = append(changes, permissionChange{client: c, on: trusted})
	}
	s.applyTrustChanges(changes, changedBy)
	s.addToHistory(protocol.NewTrustedUsers(0, s.trustedIDs()))
}

func (s *Session) applyTrustChanges(changes []permissionChange, changedBy string) {
	for _, ch := range changes {
		c := ch.client
		c.trusted = ch.on
		msg, topic := "Trusted by "+changedBy, serverlog.TopicTrust
		if !ch.on {
			msg, topic = "Untrusted by "+changedBy, serverlog.TopicUntrust
		}
		s.clientLog(c, serverlog.LevelInfo, topic, msg)
		s.messageAll(c.Username()+" "+msg, false)
		if c.IsAuthenticated() {
			s.history.SetAuthenticatedTrust(c.Username(), ch.on)
		}
	}
}

// ensureOperatorExists promotes the longest connected user when nobody
// else can become operator
func (s *Session) ensureOperatorExists() {
	if s.history.OpwordHash() != "" || s.history.HasAuthenticatedOperators() {
		return
	}
	if len(s.clients) == 0 || len(s.operatorIDs()) > 0 {
		return
	}
	s.changeOpStatus(s.clients[0].id, true, "the server")
}

func (s *Session) setMuted(target *Client, muted bool, changedBy string) {
	if target.muted == muted {
		return
	}
	target.muted = muted
	if muted {
		s.clientLog(target, serverlog.LevelInfo, serverlog.TopicMute, "Muted by "+changedBy)
	} else {
		s.clientLog(target, serverlog.LevelInfo, serverlog.TopicUnmute, "Unmuted by "+changedBy)
	}
	s.sendUpdatedMuteList()
}

func (s *Session) addBan(target *Client, bannedBy string) {
	if s.history.AddBan(target.Username(), target.RemoteIP(), target.identity.ExtAuthID, bannedBy) > 0 {
		s.clientLog(target, serverlog.LevelInfo, serverlog.TopicBan, "Banned by "+bannedBy)
		s.sendUpdatedBanlist()
	}
}

func (s *Session) removeBan(id int, removedBy string) bool {
	name, ok := s.history.RemoveBan(id)
	if !ok {
		return false
	}
	s.log(serverlog.Entry{
		Level:   serverlog.LevelInfo,
		Topic:   serverlog.TopicUnban,
		Message: name + " unbanned by " + removedBy,
	})
	s.sendUpdatedBanlist()
	return true
}

// kick removes target from the session, then tells it why
func (s *Session) kick(target *Client, kickedBy string) {
	s.clientLog(target, serverlog.LevelInfo, serverlog.TopicKick, "Kicked by "+kickedBy)
	s.removeUser(target)
	target.transport.Disconnect(protocol.DisconnectKick, kickedBy)
}

func (s *Session) disconnectError(c *Client, message string) {
	s.removeUser(c)
	s.clientLog(c, serverlog.LevelWarn, serverlog.TopicLeave, "Disconnected due to error: "+message)
	c.transport.Disconnect(protocol.DisconnectError, message)
}

// Client commands

func (s *Session) handleCommand(c *Client, m *protocol.Control) {
	cmd, err := m.Command()
	if err != nil {
		s.ruleBreak(c, "Unreadable command: "+err.Error())
		return
	}

	switch cmd.Cmd {
	case "init-begin":
		s.handleInitBegin(c)
	case "init-complete":
		s.handleInitComplete(c)
	case "init-cancel":
		s.handleInitCancel(c)
	case "ready-to-autoreset":
		s.readyToAutoReset(c)
	case "reset-session":
		err = s.cmdResetSession(c)
	case "kick-user":
		err = s.cmdKickUser(c, cmd)
	case "remove-ban":
		err = s.cmdRemoveBan(c, cmd)
	case "mute":
		err = s.cmdMute(c, cmd)
	case "sessionconf":
		err = s.cmdSessionConf(c, cmd)
	case "gain-op":
		err = s.cmdGainOp(c, cmd)
	case "announce-session":
		err = s.cmdAnnounce(c, cmd)
	case "unlist-session":
		err = s.cmdUnlist(c, cmd)
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Cmd)
	}

	if err != nil {
		c.sendError(err.Error())
	}
}

func (s *Session) cmdResetSession(c *Client) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	if s.state != StateRunning {
		return errResetInProgress
	}
	if s.autoReset == AutoResetRequested && s.autoResetGrantee != c.id {
		return errResetReserved
	}
	s.resetSession(c)
	return nil
}

func (s *Session) targetArg(cmd protocol.ServerCommand) (*Client, error) {
	id, ok := cmd.IntArg(0)
	if !ok || id < 1 || id > history.MaxUserID {
		return nil, errBadArguments
	}
	target := s.clientByID(uint8(id))
	if target == nil {
		return nil, errNoSuchUser
	}
	return target, nil
}

func (s *Session) cmdKickUser(c *Client, cmd protocol.ServerCommand) error {
	target, err := s.targetArg(cmd)
	if err != nil {
		return err
	}
	var kwargs struct {
		Ban bool `cbor:"ban"`
	}
	if err := cmd.DecodeKwargs(&kwargs); err != nil {
		return errBadArguments
	}

	switch {
	case target == c:
		return errors.New("you cannot kick yourself")
	case target.IsModerator():
		return errors.New("moderators cannot be kicked")
	case kwargs.Ban && !c.IsOperator():
		return errNotOperator
	case c.IsOperator():
	case c.IsDeputy() && !target.IsOperator() && !target.trusted:
	default:
		return errNotOperator
	}

	if kwargs.Ban {
		s.addBan(target, c.Username())
	}
	s.kick(target, c.Username())
	return nil
}

func (s *Session) cmdRemoveBan(c *Client, cmd protocol.ServerCommand) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	id, ok := cmd.IntArg(0)
	if !ok {
		return errBadArguments
	}
	if !s.removeBan(id, c.Username()) {
		return errors.New("no such ban")
	}
	return nil
}

func (s *Session) cmdMute(c *Client, cmd protocol.ServerCommand) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	target, err := s.targetArg(cmd)
	if err != nil {
		return err
	}
	muted, ok := cmd.BoolArg(1)
	if !ok {
		return errBadArguments
	}
	s.setMuted(target, muted, c.Username())
	return nil
}

func (s *Session) cmdSessionConf(c *Client, cmd protocol.ServerCommand) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	var patch ConfigPatch
	if err := cmd.DecodeKwargs(&patch); err != nil {
		return errBadArguments
	}
	s.applyConfig(patch, c)
	return nil
}

func (s *Session) cmdGainOp(c *Client, cmd protocol.ServerCommand) error {
	opword, ok := cmd.StringArg(0)
	if !ok {
		return errBadArguments
	}
	hash := s.history.OpwordHash()
	if hash == "" || !checkPassword(hash, opword) {
		return errIncorrectOpword
	}
	s.changeOpStatus(c.id, true, "password")
	return nil
}

func (s *Session) cmdAnnounce(c *Client, cmd protocol.ServerCommand) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	url, ok := cmd.StringArg(0)
	if !ok || url == "" {
		return errBadArguments
	}
	var kwargs struct {
		Private bool `cbor:"private"`
	}
	if err := cmd.DecodeKwargs(&kwargs); err != nil {
		return errBadArguments
	}
	s.makeAnnouncement(url, kwargs.Private)
	return nil
}

func (s *Session) cmdUnlist(c *Client, cmd protocol.ServerCommand) error {
	if !c.IsOperator() {
		return errNotOperator
	}
	url, ok := cmd.StringArg(0)
	if !ok || url == "" {
		return errBadArguments
	}
	s.unlistAnnouncement(url, false)
	return nil
}

// Description is the public summary of the session. The full version
// adds information meant for operators and administrators.
func (s *Session) Description(full bool) map[string]any {
	var d map[string]any
	s.withLock(func() {
		d = s.description(full)
	})
	return d
}

func (s *Session) description(full bool) map[string]any {
	d := map[string]any{
		"id":           s.ID(),
		"alias":        s.Alias(),
		"protocol":     fmt.Sprintf("canvashub:%d", protocol.ProtocolVersion),
		"userCount":    len(s.clients),
		"maxUserCount": s.history.MaxUsers(),
		"founder":      s.history.Founder(),
		"title":        s.history.Title(),
		"hasPassword":  s.history.PasswordHash() != "",
		"closed":       s.closed || s.state == StateShutdown,
		"authOnly":     s.authOnly,
		"nsfm":         s.history.IsNsfm(),
		"startTime":    s.history.StartTime().UTC().Format(time.RFC3339),
		"size":         s.history.SizeInBytes(),
	}
	if s.config.AllowPersistent {
		d["persistent"] = s.history.IsPersistent()
	}
	if !full {
		return d
	}

	d["maxSize"] = s.history.SizeLimit()
	d["resetThreshold"] = s.history.AutoResetThreshold()
	d["deputies"] = s.history.DeputiesEnabled()
	d["state"] = s.state.String()
	d["lastActive"] = s.lastEvent.UTC().Format(time.RFC3339)

	users := make([]map[string]any, 0, len(s.clients))
	for _, c := range s.clients {
		users = append(users, c.Description(false))
	}
	d["users"] = users

	listings := make([]map[string]any, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, map[string]any{
			"id":       l.ID,
			"url":      l.URL,
			"roomcode": l.RoomCode,
			"private":  l.Private,
		})
	}
	d["listings"] = listings
	return d
}
