package serverlog

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWritesSink(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), 0)

	e := l.Add(Entry{Session: "s1", User: FormatUser(3, "10.0.0.2", "bob"), Level: LevelInfo, Topic: TopicJoin, Message: "Joined session"})
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, "INFO join s1 3;10.0.0.2;bob: Joined session\n", buf.String())
}

func TestRingLimit(t *testing.T) {
	l := New(nil, 3)
	for i := range 5 {
		l.Add(Entry{Level: LevelInfo, Topic: TopicStatus, Message: string(rune('a' + i))})
	}
	entries := l.Query(Query{})
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestQuery(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil, 0)
	l.Add(Entry{Time: base, Session: "a", Level: LevelDebug, Message: "1"})
	l.Add(Entry{Time: base.Add(time.Second), Session: "a", Level: LevelWarn, Message: "2"})
	l.Add(Entry{Time: base.Add(2 * time.Second), Session: "b", Level: LevelInfo, Message: "3"})
	l.Add(Entry{Time: base.Add(3 * time.Second), Session: "a", Level: LevelError, Message: "4"})

	messages := func(entries []Entry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Message)
		}
		return out
	}

	assert.Equal(t, []string{"1", "2", "4"}, messages(l.Query(Query{Session: "a"})))
	assert.Equal(t, []string{"2", "3", "4"}, messages(l.Query(Query{MaxLevel: LevelPtr(LevelInfo)})))
	assert.Equal(t, []string{"3", "4"}, messages(l.Query(Query{After: base.Add(time.Second)})))
	assert.Equal(t, []string{"4"}, messages(l.Query(Query{Session: "a", Limit: 1})))
}

func TestEntryJSONHidesIP(t *testing.T) {
	e := Entry{
		Time:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		User:    FormatUser(1, "192.168.1.5", "alice"),
		Level:   LevelWarn,
		Topic:   TopicRuleBreak,
		Message: "spam",
	}

	assert.Equal(t, "1;;alice", e.JSON(false)["user"])
	assert.Equal(t, "1;192.168.1.5;alice", e.JSON(true)["user"])
	assert.Equal(t, "2024-01-01T00:00:00Z", e.JSON(false)["timestamp"])
	assert.Equal(t, "warn", e.JSON(false)["level"])
	_, hasSession := e.JSON(false)["session"]
	assert.False(t, hasSession)
}
