package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/recording"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

// SessionState is the state of a session's state machine
type SessionState int

const (
	// StateInitialization: the founder is uploading the initial canvas
	StateInitialization SessionState = iota
	// StateRunning: messages go straight to history
	StateRunning
	// StateReset: an operator is uploading a replacement snapshot
	StateReset
	// StateShutdown is terminal
	StateShutdown
)

func (s SessionState) String() string {
	switch s {
	case StateInitialization:
		return "initialization"
	case StateRunning:
		return "running"
	case StateReset:
		return "reset"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AutoResetStatus tracks the auto-reset request handshake
type AutoResetStatus int

const (
	AutoResetNotSent AutoResetStatus = iota
	AutoResetQueried
	AutoResetRequested
)

var (
	ErrSessionShutdown = errors.New("session has been shut down")
	ErrSessionFull     = errors.New("session is full")
	ErrSessionClosed   = errors.New("session is closed")
	ErrAuthOnly        = errors.New("session is open to registered users only")
	ErrBanned          = errors.New("you have been banned from this session")
	ErrBadPassword     = errors.New("incorrect session password")
)

// SessionDeps are the collaborators a session is built with
type SessionDeps struct {
	Config    SessionConfig
	Events    *serverlog.Log
	Logger    *log.Logger
	Metrics   *Metrics
	Announcer Announcer
	Now       func() time.Time

	// NewRecorder creates the writer for a recording file
	NewRecorder func(path string) *recording.Writer

	// OnEnded is called (without the session lock held) after the
	// session has shut down
	OnEnded func(*Session)
}

// Session is one shared canvas. All of its state is guarded by mu: every
// transport callback takes the lock, so the session processes one event
// at a time in arrival order.
type Session struct {
	mu sync.Mutex
	// Work that must run after mu is released
	pending []func()

	history   *history.Log
	config    SessionConfig
	events    *serverlog.Log
	logger    *log.Logger
	metrics   *Metrics
	announcer Announcer
	now       func() time.Time
	onEnded   func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	state    SessionState
	initUser int // -1 when nobody is uploading

	resetBuf     []protocol.Message
	resetBufSize int

	// Clients in arrival order
	clients  []*Client
	closed   bool
	authOnly bool

	autoReset        AutoResetStatus
	autoResetGrantee uint8

	lastStatus time.Time
	lastEvent  time.Time

	recorder     *recording.Writer
	newRecorder  func(path string) *recording.Writer
	listings     []Listing
	refreshTimer *time.Timer
	refreshDue   time.Time
}

// NewSession creates a session around a history log. A session with an
// empty history starts in Initialization and waits for its founder to
// upload the canvas. A non-empty history (a restored session) starts in
// Running.
func NewSession(h *history.Log, deps SessionDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Events == nil {
		deps.Events = serverlog.New(nil, 0)
	}
	if deps.Announcer == nil {
		deps.Announcer = NopAnnouncer{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRecorder == nil {
		deps.NewRecorder = recording.NewWriter
	}
	if deps.Config.StatusInterval <= 0 {
		deps.Config.StatusInterval = 10 * time.Second
	}

	s := &Session{
		history:   h,
		config:    deps.Config,
		events:    deps.Events,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		announcer: deps.Announcer,
		now:       deps.Now,
		onEnded:   deps.OnEnded,
		state:     StateInitialization,
		initUser:  -1,

		newRecorder: deps.NewRecorder,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastStatus = s.now()
	s.lastEvent = s.lastStatus
	if deps.Config.SizeLimit > 0 {
		h.SetSizeLimit(deps.Config.SizeLimit)
	}
	s.metrics.SessionOpened()

	s.withLock(func() {
		if !h.IsEmpty() {
			s.state = StateRunning
			// Nobody is connected: clear ownership left over in the history
			s.addToHistory(protocol.NewSessionOwner(0, nil))
			s.sendUpdatedSessionProperties()
		}
		if s.recordingEnabled() {
			s.restartRecording()
		}
		for _, url := range h.Announcements() {
			s.makeAnnouncement(url, false)
		}
	})
	return s
}

// withLock runs fn with the session lock held, then runs the work fn
// deferred with afterUnlock.
func (s *Session) withLock(fn func()) {
	s.mu.Lock()
	fn()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, f := range pending {
		f()
	}
}

func (s *Session) afterUnlock(f func()) {
	s.pending = append(s.pending, f)
}

// ID is immutable, so no locking
func (s *Session) ID() string { return s.history.ID() }

// Alias is immutable, so no locking
func (s *Session) Alias() string { return s.history.Alias() }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// AutoResetStatus returns the auto-reset handshake state and the id of
// the operator holding the grant (only meaningful when Requested)
func (s *Session) AutoResetStatus() (AutoResetStatus, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReset, s.autoResetGrantee
}

// IsPersistent reports whether the session outlives its last user
func (s *Session) IsPersistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.IsPersistent()
}

// Join admits a client into the session. The host (founder) skips the
// admission checks and becomes the init user.
func (s *Session) Join(c *Client, host bool, password string) error {
	var err error
	s.withLock(func() {
		if s.state == StateShutdown {
			err = ErrSessionShutdown
			return
		}
		if !host {
			if err = s.admit(c, password); err != nil {
				return
			}
		}
		s.joinUser(c, host)
		// The connection may have dropped while the login was processed
		if c.isClosed() {
			s.removeUser(c)
		}
	})
	return err
}

func (s *Session) admit(c *Client, password string) error {
	if len(s.clients) >= history.MaxUserID {
		return ErrSessionFull
	}
	if c.IsModerator() {
		return nil
	}
	if limit := s.history.MaxUsers(); limit > 0 && len(s.clients) >= limit {
		return ErrSessionFull
	}
	if s.history.Bans().IsBanned(c.RemoteIP(), c.identity.ExtAuthID) {
		return ErrBanned
	}
	if s.closed {
		return ErrSessionClosed
	}
	if s.authOnly && !c.IsAuthenticated() {
		return ErrAuthOnly
	}
	if !checkPassword(s.history.PasswordHash(), password) {
		return ErrBadPassword
	}
	return nil
}

// Kill shuts the session down. With terminate, persisted history is
// deleted as well.
func (s *Session) Kill(terminate bool) {
	s.withLock(func() {
		s.killSession(terminate)
	})
}

func (s *Session) switchState(next SessionState) {
	switch next {
	case StateInitialization:
		panic(fmt.Sprintf("illegal session state change to %s from %s", next, s.state))

	case StateRunning:
		if s.state != StateInitialization && s.state != StateReset {
			panic(fmt.Sprintf("illegal session state change to %s from %s", next, s.state))
		}
		s.initUser = -1
		if s.state == StateReset && len(s.resetBuf) > 0 {
			s.commitReset()
		}
		s.state = StateRunning

		// Held messages go to history in client arrival order
		for _, c := range s.clients {
			held := c.holdQueue
			c.holdQueue = nil
			for _, msg := range held {
				s.addToHistory(msg)
			}
		}
		s.notifyClients()
		return

	case StateReset:
		if s.state != StateRunning {
			panic(fmt.Sprintf("illegal session state change to %s from %s", next, s.state))
		}
		s.clearResetBuffer()
		s.messageAll("Preparing for session reset!", true)

	case StateShutdown:
	}
	s.state = next
}

// commitReset replaces the history with the uploaded snapshot, prefixed
// by the current user list and permissions
func (s *Session) commitReset() {
	var owners, trusted []uint8
	prefix := make([]protocol.Message, 0, len(s.clients)+2)
	for _, c := range s.clients {
		if c.IsOperator() {
			owners = append(owners, c.id)
		}
		if c.trusted {
			trusted = append(trusted, c.id)
		}
	}
	prefix = append(prefix, protocol.NewSessionOwner(0, owners))
	if len(trusted) > 0 {
		prefix = append(prefix, protocol.NewTrustedUsers(0, trusted))
	}
	for _, c := range s.clients {
		prefix = append(prefix, c.joinMessage())
	}

	snapshot := append(prefix, s.resetBuf...)
	s.clearResetBuffer()

	if err := s.history.Reset(snapshot); err != nil {
		s.logger.Printf("Session %s: reset failed: %v", s.ID(), err)
		s.messageAll("Session reset failed!", true)
		return
	}
	if s.recordingEnabled() {
		s.restartRecording()
	}

	s.directToAll(protocol.NewReply(protocol.ServerReply{
		Type:    protocol.ReplyReset,
		Message: "Session reset!",
		Reply:   map[string]any{"state": "reset"},
	}))
	s.directToAll(s.catchupReply())
	s.autoReset = AutoResetNotSent
	s.metrics.SessionReset()

	s.sendUpdatedSessionProperties()
	s.sendUpdatedMuteList()
}

func (s *Session) clearResetBuffer() {
	s.resetBuf = nil
	s.resetBufSize = 0
}

func (s *Session) abortReset() {
	s.initUser = -1
	s.clearResetBuffer()
	s.switchState(StateRunning)
	s.messageAll("Session reset cancelled.", true)
}

// resetSession puts the session in Reset and asks resetter to upload a
// new snapshot
func (s *Session) resetSession(resetter *Client) {
	s.initUser = int(resetter.id)
	s.switchState(StateReset)
	resetter.send(protocol.NewReply(protocol.ServerReply{
		Type:    protocol.ReplyReset,
		Message: "Prepared to receive session data",
		Reply:   map[string]any{"state": "init"},
	}))
}

func (s *Session) assignID(c *Client) {
	ids := s.history.IDQueue()
	id := ids.IDForName(c.Username())
	for range 256 {
		if id != 0 && s.clientByID(id) == nil {
			break
		}
		id = ids.Next()
	}
	c.id = id
}

func (s *Session) joinUser(c *Client, host bool) {
	s.assignID(c)
	c.historyPosition = -1
	c.chatLimiter = newChatLimiter(s.config)
	c.session.Store(s)
	s.clients = append(s.clients, c)
	s.metrics.ClientJoined()

	c.reply(protocol.ReplyLogin, "", map[string]any{
		"state":   "joined",
		"session": s.ID(),
		"alias":   s.Alias(),
		"user":    int(c.id),
		"host":    host,
	})

	// Recent log entries, oldest first, so the newcomer sees what happened
	for _, e := range s.events.Query(serverlog.Query{Session: s.ID(), MaxLevel: serverlog.LevelPtr(serverlog.LevelInfo)}) {
		c.send(logReply(e))
	}

	if host && s.state == StateInitialization {
		s.initUser = int(c.id)
	} else {
		c.send(s.catchupReply())
	}

	if s.config.Welcome != "" {
		c.sendSystemChat(s.config.Welcome)
	}

	s.addToHistory(c.joinMessage())

	if c.IsOperator() || (c.IsAuthenticated() && s.history.IsOperator(c.Username())) {
		s.changeOpStatus(c.id, true, "the server")
	}
	if c.IsAuthenticated() && s.history.IsTrusted(c.Username()) {
		s.changeTrustedStatus(c.id, true, "the server")
	}
	s.ensureOperatorExists()

	s.sendAnnouncementList(c)
	s.sendBanlist(c)

	s.history.IDQueue().SetIDForName(c.id, c.Username())
	s.clientLog(c, serverlog.LevelInfo, serverlog.TopicJoin, "Joined session")

	s.sendNextHistoryBatch(c)
}

func (s *Session) removeUser(c *Client) {
	i := slices.Index(s.clients, c)
	if i < 0 {
		return
	}
	s.clients = slices.Delete(s.clients, i, i+1)
	c.session.Store(nil)
	c.holdQueue = nil
	s.metrics.ClientLeft()
	s.clientLog(c, serverlog.LevelInfo, serverlog.TopicLeave, "Left session")

	if int(c.id) == s.initUser {
		switch s.state {
		case StateReset:
			s.abortReset()
		case StateInitialization:
			// Whatever the founder managed to upload is the canvas now
			s.switchState(StateRunning)
		}
	}
	if s.autoReset == AutoResetRequested && s.autoResetGrantee == c.id {
		s.revokeAutoReset("left the session")
	}

	s.addToHistory(protocol.NewUserLeave(c.id))
	s.history.IDQueue().Reserve(c.id)

	s.ensureOperatorExists()

	if len(s.clients) == 0 {
		s.setClosed(false)
		if !s.history.IsPersistent() {
			s.killSession(true)
			return
		}
	}
	s.historyCacheCleanup()
}

// clientMessage handles a message received from a client in this session
func (s *Session) clientMessage(c *Client, msg protocol.Message) {
	s.withLock(func() {
		if c.session.Load() != s {
			return
		}
		s.handleMessage(c, msg)
	})
}

// clientDrained is called when a client's send queue has emptied
func (s *Session) clientDrained(c *Client) {
	s.withLock(func() {
		s.sendNextHistoryBatch(c)
	})
}

// clientGone is called when a client's connection has closed
func (s *Session) clientGone(c *Client) {
	s.withLock(func() {
		s.removeUser(c)
	})
}

// route is where an ordinary message from a client ends up
type route int

const (
	routeHistory route = iota
	routeInitStream
	routeHold
)

func (s *Session) routeFor(c *Client) route {
	switch {
	case int(c.id) == s.initUser:
		return routeInitStream
	case s.state != StateRunning:
		return routeHold
	default:
		return routeHistory
	}
}

func (s *Session) handleMessage(c *Client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.UserJoin, *protocol.UserLeave, *protocol.SoftReset:
		s.ruleBreak(c, "Received server-to-user only command "+msg.Type().Name())
		return
	case *protocol.Disconnect:
		return
	case *protocol.Ping:
		if !m.IsPong() {
			c.send(protocol.NewPing(0, true))
		}
		return
	}

	// Snapshot uploads keep the authors of the original messages
	if int(c.id) != s.initUser {
		msg.SetContextID(c.id)
	}

	switch m := msg.(type) {
	case *protocol.Control:
		s.handleCommand(c, m)
		return

	case *protocol.SessionOwner:
		if !c.IsOperator() {
			s.ruleBreak(c, "Tried to change session ownership")
			return
		}
		ids := s.updateOwnership(append(m.IDs(), c.id), c.Username())
		msg = protocol.NewSessionOwner(m.ContextID(), ids)

	case *protocol.TrustedUsers:
		if !c.IsOperator() {
			s.ruleBreak(c, "Tried to change trusted user list")
			return
		}
		ids := s.updateTrustedUsers(m.IDs(), c.Username())
		msg = protocol.NewTrustedUsers(m.ContextID(), ids)

	case *protocol.Chat:
		if c.muted {
			s.metrics.MessageDropped("muted")
			s.ruleBreak(c, "Muted user sent chat")
			return
		}
		if !c.chatLimiter.Allow() {
			s.ruleBreak(c, "Chat rate limit exceeded")
			return
		}
		if m.IsBypass() {
			s.directToAll(m)
			return
		}

	case *protocol.PrivateChat:
		if target := s.clientByID(m.Target()); m.Target() > 0 && target != nil {
			c.send(m)
			target.send(m)
		}
		return

	case *protocol.Interval, *protocol.Marker, *protocol.Canvas:

	default:
		panic(fmt.Sprintf("unhandled message type %T", msg))
	}

	// The sender may have been removed while handling the message
	if c.session.Load() != s {
		return
	}

	// Routed after the side effects above, which can end a reset
	switch s.routeFor(c) {
	case routeInitStream:
		s.addToInitStream(c, msg)
	case routeHold:
		if s.history.IsOutOfSpace() {
			s.metrics.MessageDropped("out_of_space")
			return
		}
		c.holdQueue = append(c.holdQueue, msg)
	case routeHistory:
		s.addToHistory(msg)
	}
}

func (s *Session) addToHistory(msg protocol.Message) {
	if s.state == StateShutdown {
		return
	}

	if err := s.history.AddMessage(msg); err != nil {
		s.metrics.MessageDropped("out_of_space")
		if !errors.Is(err, history.ErrOutOfSpace) {
			s.logger.Printf("Session %s: %v", s.ID(), err)
			return
		}
		shame := fmt.Sprintf("user #%d", msg.ContextID())
		if c := s.clientByID(msg.ContextID()); c != nil {
			shame = c.Username()
		}
		s.messageAll("History size limit reached!", false)
		s.messageAll(shame+" broke the camel's back. Session must be reset to continue drawing.", false)
		return
	}
	s.metrics.MessageCommitted(s.ID(), s.history.SizeInBytes())
	s.lastEvent = s.now()

	// The founder already has what it uploads but still needs to see
	// the server's own notifications
	if s.state == StateInitialization && s.initUser > 0 {
		if origin := s.clientByID(uint8(s.initUser)); origin != nil {
			origin.historyPosition = s.history.LastIndex()
			if !msg.IsCommand() {
				origin.send(msg)
			}
		}
	}

	if s.recorder != nil {
		if err := s.recorder.RecordMessage(msg); err != nil {
			s.logger.Printf("Session %s: recording failed, stopping: %v", s.ID(), err)
			s.stopRecording()
		}
	}

	s.checkAutoReset()

	if s.now().Sub(s.lastStatus) > s.config.StatusInterval {
		s.directToAll(protocol.NewReply(protocol.ServerReply{
			Type:  protocol.ReplyStatus,
			Reply: map[string]any{"size": s.history.SizeInBytes()},
		}))
		s.lastStatus = s.now()
	}

	s.notifyClients()
}

func (s *Session) addToInitStream(c *Client, msg protocol.Message) {
	switch s.state {
	case StateInitialization:
		s.addToHistory(msg)

	case StateReset:
		s.resetBuf = append(s.resetBuf, msg)
		s.resetBufSize += msg.Length()

		if limit := s.history.SizeLimit(); limit > 0 && s.resetBufSize > limit {
			s.disconnectError(c, "History limit exceeded")
		}
	}
}

// effectiveAutoResetThreshold is the history size at which operators are
// asked to reset. The lower of the server and session thresholds applies,
// measured on top of the snapshot installed by the last reset.
func (s *Session) effectiveAutoResetThreshold() int {
	threshold := s.config.AutoResetThreshold
	if own := s.history.AutoResetThreshold(); own > 0 && (threshold == 0 || own < threshold) {
		threshold = own
	}
	if threshold <= 0 {
		return 0
	}
	threshold += s.history.AutoResetBaseSize()
	if limit := s.history.SizeLimit(); limit > 0 {
		threshold = min(threshold, limit*9/10)
	}
	return threshold
}

func (s *Session) checkAutoReset() {
	threshold := s.effectiveAutoResetThreshold()
	if threshold <= 0 || s.autoReset != AutoResetNotSent || s.history.SizeInBytes() <= threshold {
		return
	}

	s.log(serverlog.Entry{
		Level: serverlog.LevelInfo,
		Topic: serverlog.TopicStatus,
		Message: fmt.Sprintf("Autoreset threshold (%s, effectively %s) reached.",
			humanize.IBytes(uint64(s.history.AutoResetThreshold())), humanize.IBytes(uint64(threshold))),
	})

	s.directToAll(protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplySizeLimit,
		Reply: map[string]any{"size": s.history.SizeInBytes(), "maxSize": threshold},
	}))

	query := protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplyResetRequest,
		Reply: map[string]any{"maxSize": s.history.SizeLimit(), "query": true},
	})
	for _, c := range s.clients {
		if c.IsOperator() {
			c.send(query)
		}
	}
	s.autoReset = AutoResetQueried
	s.metrics.AutoResetQueried()
}

// readyToAutoReset handles an operator volunteering to reset. Only the
// first answer to a query gets the grant.
func (s *Session) readyToAutoReset(c *Client) {
	if !c.IsOperator() {
		s.clientLog(c, serverlog.LevelWarn, serverlog.TopicRuleBreak,
			fmt.Sprintf("User %d is not an operator, but sent ready-to-autoreset", c.id))
		return
	}
	if s.autoReset != AutoResetQueried {
		s.clientLog(c, serverlog.LevelDebug, serverlog.TopicStatus,
			fmt.Sprintf("User %d was late to respond to an autoreset request", c.id))
		return
	}

	s.clientLog(c, serverlog.LevelInfo, serverlog.TopicStatus,
		fmt.Sprintf("User %d responded to autoreset request first", c.id))
	c.send(protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplyResetRequest,
		Reply: map[string]any{"maxSize": s.history.SizeLimit(), "query": false},
	}))
	s.autoReset = AutoResetRequested
	s.autoResetGrantee = c.id
}

// revokeAutoReset withdraws the grant of an operator who can no longer
// use it. The next append above the threshold queries operators again.
func (s *Session) revokeAutoReset(reason string) {
	s.log(serverlog.Entry{
		Level:   serverlog.LevelInfo,
		Topic:   serverlog.TopicStatus,
		Message: fmt.Sprintf("Autoreset grant of user %d revoked: %s", s.autoResetGrantee, reason),
	})
	s.autoReset = AutoResetNotSent
	s.autoResetGrantee = 0
}

func (s *Session) initCommandAllowed(c *Client, cmd string) bool {
	if int(c.id) != s.initUser {
		s.clientLog(c, serverlog.LevelWarn, serverlog.TopicRuleBreak,
			fmt.Sprintf("Sent %s, but init user is #%d", cmd, s.initUser))
		return false
	}
	return true
}

func (s *Session) handleInitBegin(c *Client) {
	if !s.initCommandAllowed(c, "init-begin") {
		return
	}
	s.clientLog(c, serverlog.LevelDebug, serverlog.TopicStatus, "init-begin")

	// Ordinary commands may have been queued before the client noticed the
	// reset. The snapshot proper starts here.
	if s.resetBufSize > 0 {
		s.clientLog(c, serverlog.LevelDebug, serverlog.TopicStatus,
			fmt.Sprintf("%d extra messages cleared by init-begin", len(s.resetBuf)))
		s.clearResetBuffer()
	}
}

func (s *Session) handleInitComplete(c *Client) {
	if !s.initCommandAllowed(c, "init-complete") {
		return
	}
	s.clientLog(c, serverlog.LevelDebug, serverlog.TopicStatus, "init-complete")
	s.switchState(StateRunning)
}

func (s *Session) handleInitCancel(c *Client) {
	if !s.initCommandAllowed(c, "init-cancel") {
		return
	}
	s.clientLog(c, serverlog.LevelDebug, serverlog.TopicStatus, "init-cancel")
	if s.state == StateReset {
		s.abortReset()
	}
}

// notifyClients pushes new history to every client that is ready for it
func (s *Session) notifyClients() {
	for _, c := range s.clients {
		s.sendNextHistoryBatch(c)
	}
}

// sendNextHistoryBatch sends the next batch to c, but only once its
// previous output has been written out
func (s *Session) sendNextHistoryBatch(c *Client) {
	if c.session.Load() != s || s.state != StateRunning || c.transport.IsUploading() {
		return
	}

	msgs, last, err := s.history.Batch(c.historyPosition)
	if err != nil {
		s.logger.Printf("Session %s: failed to load history batch for user %d: %v", s.ID(), c.id, err)
		return
	}
	c.historyPosition = last
	if len(msgs) > 0 {
		c.send(msgs...)
	}
	s.historyCacheCleanup()
}

// historyCacheCleanup releases cached history below the slowest client
func (s *Session) historyCacheCleanup() {
	watermark := s.history.LastIndex()
	for _, c := range s.clients {
		watermark = min(watermark, c.historyPosition)
	}
	s.history.CleanupBatches(watermark)
}

func (s *Session) catchupReply() protocol.Message {
	return protocol.NewReply(protocol.ServerReply{
		Type:  protocol.ReplyCatchup,
		Reply: map[string]any{"count": s.history.LastIndex() - s.history.FirstIndex()},
	})
}

func (s *Session) killSession(terminate bool) {
	if s.state == StateShutdown {
		return
	}
	s.switchState(StateShutdown)
	s.logger.Printf("Session %s: shutting down", s.ID())

	s.unlistAnnouncement("*", false)
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.cancel()
	s.stopRecording()

	for _, c := range s.clients {
		c.session.Store(nil)
		c.transport.Disconnect(protocol.DisconnectShutdown, "")
		s.metrics.ClientLeft()
	}
	s.clients = nil

	if terminate {
		if err := s.history.Terminate(); err != nil {
			s.logger.Printf("Session %s: failed to delete history: %v", s.ID(), err)
		}
	} else if err := s.history.Close(); err != nil {
		s.logger.Printf("Session %s: failed to close history: %v", s.ID(), err)
	}

	id := s.ID()
	s.afterUnlock(func() {
		s.metrics.SessionClosed(id)
		if s.onEnded != nil {
			s.onEnded(s)
		}
	})
}

// messageAll sends a system chat message, or an alert, to everyone
func (s *Session) messageAll(message string, alert bool) {
	if message == "" {
		return
	}
	replyType := protocol.ReplyMessage
	if alert {
		replyType = protocol.ReplyAlert
	}
	s.directToAll(protocol.NewReply(protocol.ServerReply{Type: replyType, Message: message}))
}

func (s *Session) directToAll(msg protocol.Message) {
	for _, c := range s.clients {
		c.send(msg)
	}
}

func (s *Session) clientByID(id uint8) *Client {
	for _, c := range s.clients {
		if c.id == id {
			return c
		}
	}
	return nil
}

// log records a session event. Everything but debug chatter is also shown
// to the users.
func (s *Session) log(e serverlog.Entry) {
	e.Session = s.ID()
	e = s.events.Add(e)
	if e.Level < serverlog.LevelDebug {
		s.directToAll(logReply(e))
	}
}

func (s *Session) clientLog(c *Client, level serverlog.Level, topic serverlog.Topic, message string) {
	s.log(serverlog.Entry{User: c.logUser(), Level: level, Topic: topic, Message: message})
}

func (s *Session) ruleBreak(c *Client, message string) {
	s.metrics.RuleBreak()
	s.clientLog(c, serverlog.LevelWarn, serverlog.TopicRuleBreak, message)
}

func logReply(e serverlog.Entry) protocol.Message {
	body := e.JSON(false)
	delete(body, "session")
	return protocol.NewReply(protocol.ServerReply{Type: protocol.ReplyLog, Message: e.Message, Reply: body})
}

// Recording

func (s *Session) recordingEnabled() bool {
	return s.config.RecordingDirectory != ""
}

func (s *Session) recordingPath() string {
	name := s.config.RecordingTemplate
	if name == "" {
		name = "{id}-{date}.cvrec"
	}
	now := s.now()
	id := s.ID()
	if s.Alias() != "" {
		id = s.Alias()
	}
	name = strings.NewReplacer(
		"{id}", id,
		"{date}", now.Format("2006-01-02"),
		"{time}", now.Format("150405"),
	).Replace(name)
	return filepath.Join(s.config.RecordingDirectory, name)
}

// restartRecording starts a new recording file holding the whole current
// history. Failures disable recording but never affect the session.
func (s *Session) restartRecording() {
	s.stopRecording()

	w := s.newRecorder(recording.UniquePath(s.recordingPath()))
	w.SetMinimumInterval(s.config.RecordingMinInterval)
	w.SetTimestampInterval(s.config.RecordingTimestampInterval)
	w.SetAutoflush(s.config.RecordingAutoflush)
	w.SetClock(s.now)

	if err := w.Open(); err != nil {
		s.logger.Printf("Session %s: couldn't start recording: %v", s.ID(), err)
		return
	}
	header := map[string]any{
		"server-recording": true,
		"session":          s.ID(),
		"founder":          s.history.Founder(),
	}
	if err := w.WriteHeader(header); err != nil {
		s.logger.Printf("Session %s: couldn't write recording header: %v", s.ID(), err)
		w.Close()
		return
	}

	for pos := s.history.FirstIndex() - 1; pos < s.history.LastIndex(); {
		msgs, last, err := s.history.Batch(pos)
		if err == nil && last <= pos {
			err = fmt.Errorf("history batch after %d is empty", pos)
		}
		for i := 0; err == nil && i < len(msgs); i++ {
			err = w.RecordMessage(msgs[i])
		}
		if err != nil {
			s.logger.Printf("Session %s: couldn't replay history into recording: %v", s.ID(), err)
			w.Close()
			return
		}
		pos = last
	}

	s.recorder = w
	s.logger.Printf("Session %s: recording to %s", s.ID(), w.Path())
}

func (s *Session) stopRecording() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Printf("Session %s: failed to close recording: %v", s.ID(), err)
	}
	s.recorder = nil
}
