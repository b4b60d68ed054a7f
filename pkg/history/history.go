// Package history implements the ordered message log of a session:
// append-only, size bounded, delivered to clients in batches, with
// persistence delegated to a Store.
package history

import (
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/aeolun/canvashub/pkg/protocol"
)

var (
	// ErrOutOfSpace indicates the size limit would be exceeded
	ErrOutOfSpace = errors.New("history size limit reached")
)

const (
	chunkSize = 256

	DefaultBatchMessages = 512
	DefaultBatchBytes    = 64 * 1024
)

// Options configures a Log
type Options struct {
	SizeLimit     int // Bytes, 0 for unlimited
	BatchMessages int // Max messages per batch
	BatchBytes    int // Soft byte budget per batch
	Logger        *log.Logger
}

type chunk struct {
	first int
	msgs  []protocol.Message
}

func (c *chunk) last() int { return c.first + len(c.msgs) - 1 }

// Log is the authoritative history of one session plus the side tables
// that travel with it. A Log is not safe for concurrent use; its owning
// session serializes all access.
type Log struct {
	store  Store
	meta   Meta
	logger *log.Logger

	bans      BanList
	ids       *IDQueue
	operators map[string]bool
	trusted   map[string]bool

	firstIndex int
	lastIndex  int
	size       int
	sizeLimit  int
	baseSize   int
	outOfSpace bool

	// Cached messages, contiguous, ending at lastIndex
	chunks []*chunk

	batchMessages int
	batchBytes    int
}

// New creates a log backed by store. If the store already holds
// messages the log resumes from them.
func New(store Store, meta Meta, opts Options) (*Log, error) {
	first, last, size, err := store.Bounds()
	if err != nil {
		return nil, fmt.Errorf("failed to read history bounds: %w", err)
	}
	if opts.BatchMessages <= 0 {
		opts.BatchMessages = DefaultBatchMessages
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = DefaultBatchBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if meta.StartTime.IsZero() {
		meta.StartTime = time.Now()
	}

	l := &Log{
		store:         store,
		meta:          meta,
		logger:        opts.Logger,
		ids:           NewIDQueue(),
		operators:     make(map[string]bool),
		trusted:       make(map[string]bool),
		firstIndex:    first,
		lastIndex:     last,
		size:          size,
		sizeLimit:     opts.SizeLimit,
		batchMessages: opts.BatchMessages,
		batchBytes:    opts.BatchBytes,
	}
	l.bans.restore(meta.Bans)
	for _, name := range meta.Operators {
		l.operators[name] = true
	}
	for _, name := range meta.Trusted {
		l.trusted[name] = true
	}
	if err := store.SaveMeta(l.snapshotMeta()); err != nil {
		return nil, fmt.Errorf("failed to save session metadata: %w", err)
	}
	return l, nil
}

// ID returns the session id
func (l *Log) ID() string { return l.meta.ID }

// Alias returns the session alias, if any
func (l *Log) Alias() string { return l.meta.Alias }

// Founder returns the name of the user who started the session
func (l *Log) Founder() string { return l.meta.Founder }

// StartTime returns when the session was started
func (l *Log) StartTime() time.Time { return l.meta.StartTime }

func (l *Log) FirstIndex() int { return l.firstIndex }
func (l *Log) LastIndex() int { return l.lastIndex }
func (l *Log) SizeInBytes() int { return l.size }
func (l *Log) SizeLimit() int { return l.sizeLimit }
func (l *Log) IsEmpty() bool { return l.lastIndex < l.firstIndex }

// SetSizeLimit changes the size limit. Already stored data is kept even
// if it exceeds the new limit.
func (l *Log) SetSizeLimit(limit int) { l.sizeLimit = limit }

// IsOutOfSpace reports whether appends are being refused
func (l *Log) IsOutOfSpace() bool {
	return l.outOfSpace || (l.sizeLimit > 0 && l.size >= l.sizeLimit)
}

// AutoResetBaseSize is the size of the snapshot installed by the last reset
func (l *Log) AutoResetBaseSize() int { return l.baseSize }

// AddMessage appends msg at lastIndex+1. Once an append has been refused
// for size, every following append is refused until Reset.
func (l *Log) AddMessage(msg protocol.Message) error {
	if l.sizeLimit > 0 && (l.outOfSpace || l.size+msg.Length() > l.sizeLimit) {
		l.outOfSpace = true
		return ErrOutOfSpace
	}

	index := l.lastIndex + 1
	if err := l.store.Append(index, msg); err != nil {
		return fmt.Errorf("failed to store message %d: %w", index, err)
	}

	if n := len(l.chunks); n == 0 || len(l.chunks[n-1].msgs) >= chunkSize || l.chunks[n-1].last() != l.lastIndex {
		l.chunks = append(l.chunks, &chunk{first: index, msgs: make([]protocol.Message, 0, chunkSize)})
	}
	c := l.chunks[len(l.chunks)-1]
	c.msgs = append(c.msgs, msg)

	l.lastIndex = index
	l.size += msg.Length()
	return nil
}

// Reset replaces all history with msgs. Positions keep counting up so
// indexes from before the reset are never handed out again.
func (l *Log) Reset(msgs []protocol.Message) error {
	total := 0
	for _, m := range msgs {
		total += m.Length()
	}
	if l.sizeLimit > 0 && total > l.sizeLimit {
		return ErrOutOfSpace
	}

	first := l.lastIndex + 1
	if err := l.store.Replace(first, msgs); err != nil {
		return fmt.Errorf("failed to store reset snapshot: %w", err)
	}

	l.chunks = nil
	for start := 0; start < len(msgs); start += chunkSize {
		end := min(start+chunkSize, len(msgs))
		l.chunks = append(l.chunks, &chunk{first: first + start, msgs: slices.Clone(msgs[start:end])})
	}
	l.firstIndex = first
	l.lastIndex = first + len(msgs) - 1
	l.size = total
	l.baseSize = total
	l.outOfSpace = false
	return nil
}

// Batch returns the messages following position after, bounded by the
// batch limits, and the position of the last returned message. Cursors
// before firstIndex start at firstIndex.
func (l *Log) Batch(after int) ([]protocol.Message, int, error) {
	if after >= l.lastIndex {
		return nil, l.lastIndex, nil
	}
	start := max(after+1, l.firstIndex)
	end := min(l.lastIndex, start+l.batchMessages-1)

	var msgs []protocol.Message
	if cached := l.cachedFirst(); cached >= 0 && start >= cached {
		msgs = l.cachedRange(start, end)
	} else {
		if cached >= 0 {
			end = min(end, cached-1)
		}
		loaded, err := l.store.Load(start, end)
		if err != nil {
			return nil, after, fmt.Errorf("failed to load messages %d-%d: %w", start, end, err)
		}
		msgs = loaded
	}

	bytes := 0
	for i, m := range msgs {
		bytes += m.Length()
		if bytes >= l.batchBytes {
			msgs = msgs[:i+1]
			break
		}
	}
	return msgs, start + len(msgs) - 1, nil
}

func (l *Log) cachedFirst() int {
	if len(l.chunks) == 0 {
		return -1
	}
	return l.chunks[0].first
}

func (l *Log) cachedRange(start, end int) []protocol.Message {
	out := make([]protocol.Message, 0, end-start+1)
	for _, c := range l.chunks {
		if c.last() < start {
			continue
		}
		if c.first > end {
			break
		}
		from := max(start, c.first) - c.first
		to := min(end, c.last()) - c.first
		out = append(out, c.msgs[from:to+1]...)
	}
	return out
}

// CachedRange reports the span of messages currently held in memory
func (l *Log) CachedRange() (first, last int) {
	if len(l.chunks) == 0 {
		return -1, -1
	}
	return l.chunks[0].first, l.chunks[len(l.chunks)-1].last()
}

// CleanupBatches releases cached chunks whose every position is below
// before. Only durable stores allow this; otherwise the cache is the
// only copy.
func (l *Log) CleanupBatches(before int) {
	if !l.store.Durable() {
		return
	}
	n := 0
	for n < len(l.chunks) && l.chunks[n].last() < before {
		n++
	}
	if n > 0 {
		l.chunks = slices.Delete(l.chunks, 0, n)
	}
}

// Terminate deletes persisted data. The log must not be used afterwards.
func (l *Log) Terminate() error {
	l.chunks = nil
	return l.store.Terminate()
}

// Close releases the store
func (l *Log) Close() error {
	return l.store.Close()
}

func (l *Log) snapshotMeta() Meta {
	m := l.meta
	m.Bans = l.bans.Entries()
	m.Operators = sortedKeys(l.operators)
	m.Trusted = sortedKeys(l.trusted)
	m.Announcements = slices.Clone(l.meta.Announcements)
	return m
}

func (l *Log) saveMeta() {
	if err := l.store.SaveMeta(l.snapshotMeta()); err != nil {
		l.logger.Printf("History %s: failed to save metadata: %v", l.meta.ID, err)
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Session settings

func (l *Log) Title() string { return l.meta.Title }
func (l *Log) SetTitle(title string) {
	l.meta.Title = title
	l.saveMeta()
}

func (l *Log) MaxUsers() int { return l.meta.MaxUsers }
func (l *Log) SetMaxUsers(n int) {
	l.meta.MaxUsers = min(max(n, 1), MaxUserID)
	l.saveMeta()
}

func (l *Log) IsPersistent() bool { return l.meta.Persistent }
func (l *Log) SetPersistent(v bool) {
	l.meta.Persistent = v
	l.saveMeta()
}

func (l *Log) PreserveChat() bool { return l.meta.PreserveChat }
func (l *Log) SetPreserveChat(v bool) {
	l.meta.PreserveChat = v
	l.saveMeta()
}

func (l *Log) IsNsfm() bool { return l.meta.Nsfm }
func (l *Log) SetNsfm(v bool) {
	l.meta.Nsfm = v
	l.saveMeta()
}

func (l *Log) DeputiesEnabled() bool { return l.meta.Deputies }
func (l *Log) SetDeputies(v bool) {
	l.meta.Deputies = v
	l.saveMeta()
}

func (l *Log) PasswordHash() string { return l.meta.PasswordHash }
func (l *Log) SetPasswordHash(hash string) {
	l.meta.PasswordHash = hash
	l.saveMeta()
}

func (l *Log) OpwordHash() string { return l.meta.OpwordHash }
func (l *Log) SetOpwordHash(hash string) {
	l.meta.OpwordHash = hash
	l.saveMeta()
}

// AutoResetThreshold is the session specific threshold override, 0 if unset
func (l *Log) AutoResetThreshold() int { return l.meta.ResetThreshold }
func (l *Log) SetAutoResetThreshold(n int) {
	l.meta.ResetThreshold = max(n, 0)
	l.saveMeta()
}

// Side tables

// Bans gives read access to the ban list
func (l *Log) Bans() *BanList { return &l.bans }

func (l *Log) AddBan(username, ip, extAuthID, bannedBy string) int {
	id := l.bans.Add(username, ip, extAuthID, bannedBy, time.Now())
	if id > 0 {
		l.saveMeta()
	}
	return id
}

func (l *Log) RemoveBan(id int) (string, bool) {
	name, ok := l.bans.Remove(id)
	if ok {
		l.saveMeta()
	}
	return name, ok
}

// IDQueue returns the id allocator of the session
func (l *Log) IDQueue() *IDQueue { return l.ids }

// SetAuthenticatedOperator remembers (or forgets) an authenticated user
// as an operator so they regain the status when they rejoin.
func (l *Log) SetAuthenticatedOperator(name string, op bool) {
	if setName(l.operators, name, op) {
		l.saveMeta()
	}
}

func (l *Log) IsOperator(name string) bool { return l.operators[strings.ToLower(name)] }

// HasAuthenticatedOperators reports whether some authenticated user can
// rejoin as operator
func (l *Log) HasAuthenticatedOperators() bool { return len(l.operators) > 0 }

func (l *Log) SetAuthenticatedTrust(name string, trusted bool) {
	if setName(l.trusted, name, trusted) {
		l.saveMeta()
	}
}

func (l *Log) IsTrusted(name string) bool { return l.trusted[strings.ToLower(name)] }

func setName(set map[string]bool, name string, on bool) bool {
	key := strings.ToLower(name)
	if set[key] == on {
		return false
	}
	if on {
		set[key] = true
	} else {
		delete(set, key)
	}
	return true
}

// Announcements returns the listing server URLs the session is announced at
func (l *Log) Announcements() []string { return slices.Clone(l.meta.Announcements) }

func (l *Log) AddAnnouncement(url string) {
	if slices.Contains(l.meta.Announcements, url) {
		return
	}
	l.meta.Announcements = append(l.meta.Announcements, url)
	l.saveMeta()
}

func (l *Log) RemoveAnnouncement(url string) {
	i := slices.Index(l.meta.Announcements, url)
	if i < 0 {
		return
	}
	l.meta.Announcements = slices.Delete(l.meta.Announcements, i, i+1)
	l.saveMeta()
}
