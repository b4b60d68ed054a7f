// Package serverlog keeps the structured server and session log: every entry
// goes to a *log.Logger sink and into a bounded in-memory ring that admin
// tools and joining users can query.
package serverlog

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// DefaultLimit is the number of entries kept in memory
const DefaultLimit = 1000

// Level orders entries by severity. Lower is more severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// Topic classifies what an entry is about
type Topic string

const (
	TopicJoin      Topic = "join"
	TopicLeave     Topic = "leave"
	TopicKick      Topic = "kick"
	TopicBan       Topic = "ban"
	TopicUnban     Topic = "unban"
	TopicOp        Topic = "op"
	TopicDeop      Topic = "deop"
	TopicTrust     Topic = "trust"
	TopicUntrust   Topic = "untrust"
	TopicMute      Topic = "mute"
	TopicUnmute    Topic = "unmute"
	TopicPubList   Topic = "publist"
	TopicRuleBreak Topic = "rulebreak"
	TopicStatus    Topic = "status"
)

// Entry is one log line
type Entry struct {
	Time    time.Time
	Session string
	User    string // "id;ip;name" of the user the entry is about
	Level   Level
	Topic   Topic
	Message string
}

// FormatUser renders the User field of an entry
func FormatUser(id uint8, ip, name string) string {
	return fmt.Sprintf("%d;%s;%s", id, ip, name)
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(e.Level.String()))
	b.WriteString(" ")
	b.WriteString(string(e.Topic))
	if e.Session != "" {
		b.WriteString(" ")
		b.WriteString(e.Session)
	}
	if e.User != "" {
		b.WriteString(" ")
		b.WriteString(e.User)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// JSON returns the entry as it appears in log replies and the admin API.
// The user's IP is only included when showIP is set.
func (e Entry) JSON(showIP bool) map[string]any {
	out := map[string]any{
		"timestamp": e.Time.UTC().Format(time.RFC3339),
		"level":     e.Level.String(),
		"topic":     string(e.Topic),
		"message":   e.Message,
	}
	if e.Session != "" {
		out["session"] = e.Session
	}
	if e.User != "" {
		user := e.User
		if !showIP {
			if id, rest, ok := strings.Cut(user, ";"); ok {
				if _, name, ok := strings.Cut(rest, ";"); ok {
					user = id + ";;" + name
				}
			}
		}
		out["user"] = user
	}
	return out
}

// Query filters entries. Zero values match everything.
type Query struct {
	Session  string
	After    time.Time
	MaxLevel *Level // only entries at least this severe
	Limit    int    // newest N
}

// Log is safe for concurrent use
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
	out     *log.Logger
	now     func() time.Time
}

// New creates a log writing to out. A nil out discards output; limit <= 0
// uses DefaultLimit.
func New(out *log.Logger, limit int) *Log {
	if out == nil {
		out = log.New(io.Discard, "", 0)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{out: out, limit: limit, now: time.Now}
}

// SetClock replaces the time source
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Add timestamps e, stores it and writes it to the sink. The stored entry
// is returned.
func (l *Log) Add(e Entry) Entry {
	l.mu.Lock()
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if len(l.entries) >= l.limit {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	l.out.Print(e.String())
	return e
}

// Query returns matching entries, oldest first
func (l *Log) Query(q Query) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if q.Session != "" && e.Session != q.Session {
			continue
		}
		if !q.After.IsZero() && !e.Time.After(q.After) {
			continue
		}
		if q.MaxLevel != nil && e.Level > *q.MaxLevel {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// LevelPtr is a convenience for building a Query
func LevelPtr(l Level) *Level { return &l }
