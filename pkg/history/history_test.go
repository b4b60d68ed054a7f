package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/canvashub/pkg/protocol"
)

// durableStore keeps every message in a map, like an on-disk store would
type durableStore struct {
	msgs  map[int]protocol.Message
	first int
	last  int
	meta  Meta
	loads int
}

func newDurableStore() *durableStore {
	return &durableStore{msgs: make(map[int]protocol.Message), last: -1}
}

func (s *durableStore) Append(index int, msg protocol.Message) error {
	s.msgs[index] = msg
	s.last = index
	return nil
}

func (s *durableStore) Replace(first int, msgs []protocol.Message) error {
	s.msgs = make(map[int]protocol.Message)
	for i, m := range msgs {
		s.msgs[first+i] = m
	}
	s.first, s.last = first, first+len(msgs)-1
	return nil
}

func (s *durableStore) Load(from, to int) ([]protocol.Message, error) {
	s.loads++
	var out []protocol.Message
	for i := from; i <= to; i++ {
		out = append(out, s.msgs[i])
	}
	return out, nil
}

func (s *durableStore) Bounds() (int, int, int, error) {
	size := 0
	for _, m := range s.msgs {
		size += m.Length()
	}
	return s.first, s.last, size, nil
}

func (s *durableStore) SaveMeta(meta Meta) error {
	s.meta = meta
	return nil
}

func (s *durableStore) Terminate() error {
	s.msgs = nil
	return nil
}

func (s *durableStore) Close() error { return nil }
func (s *durableStore) Durable() bool { return true }

func draw(ctx uint8, n int) protocol.Message {
	return protocol.NewCanvas(0x80, ctx, make([]byte, n))
}

func newLog(t *testing.T, store Store, opts Options) *Log {
	t.Helper()
	l, err := New(store, Meta{ID: "s1", Founder: "alice", MaxUsers: 10}, opts)
	require.NoError(t, err)
	return l
}

func TestEmptyLog(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{})
	assert.True(t, l.IsEmpty())
	assert.Equal(t, 0, l.FirstIndex())
	assert.Equal(t, -1, l.LastIndex())

	msgs, cursor, err := l.Batch(-1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, -1, cursor)
}

func TestAddMessageSizeLimit(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{SizeLimit: 100})

	require.NoError(t, l.AddMessage(draw(1, 46))) // 50 bytes
	require.NoError(t, l.AddMessage(draw(1, 36))) // 40 bytes
	assert.Equal(t, 90, l.SizeInBytes())
	assert.False(t, l.IsOutOfSpace())

	err := l.AddMessage(draw(1, 16))
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.True(t, l.IsOutOfSpace())
	assert.Equal(t, 1, l.LastIndex(), "rejected message must not be stored")

	// Even a message that would fit is refused until reset
	assert.ErrorIs(t, l.AddMessage(draw(1, 0)), ErrOutOfSpace)

	require.NoError(t, l.Reset([]protocol.Message{draw(1, 6)}))
	assert.False(t, l.IsOutOfSpace())
	require.NoError(t, l.AddMessage(draw(1, 6)))
}

func TestResetNeverReusesPositions(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{})
	for range 5 {
		require.NoError(t, l.AddMessage(draw(1, 1)))
	}
	require.NoError(t, l.Reset([]protocol.Message{draw(2, 10), draw(2, 10)}))

	assert.Equal(t, 5, l.FirstIndex())
	assert.Equal(t, 6, l.LastIndex())
	assert.Equal(t, 28, l.SizeInBytes())
	assert.Equal(t, 28, l.AutoResetBaseSize())

	// A cursor from before the reset starts at the new first index
	msgs, cursor, err := l.Batch(3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint8(2), msgs[0].ContextID())
	assert.Equal(t, 6, cursor)
}

func TestResetRejectsOversizedSnapshot(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{SizeLimit: 20})
	require.NoError(t, l.AddMessage(draw(1, 1)))

	err := l.Reset([]protocol.Message{draw(1, 30)})
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.Equal(t, 0, l.FirstIndex())
	assert.Equal(t, 0, l.LastIndex())
}

func TestBatchLimits(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{BatchMessages: 3, BatchBytes: 1000})
	for range 10 {
		require.NoError(t, l.AddMessage(draw(1, 96)))
	}

	msgs, cursor, err := l.Batch(-1)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, 2, cursor)

	l.batchBytes = 250
	msgs, cursor, err = l.Batch(cursor)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "byte budget cuts after the message that crosses it")
	assert.Equal(t, 5, cursor)

	l.batchBytes = 10
	msgs, cursor, err = l.Batch(cursor)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "at least one message per batch")
	assert.Equal(t, 6, cursor)
}

func TestCleanupOnlyEvictsDurable(t *testing.T) {
	mem := newLog(t, NewMemoryStore(), Options{})
	for range chunkSize * 3 {
		require.NoError(t, mem.AddMessage(draw(1, 1)))
	}
	mem.CleanupBatches(mem.LastIndex())
	first, _ := mem.CachedRange()
	assert.Equal(t, 0, first)

	store := newDurableStore()
	disk := newLog(t, store, Options{BatchMessages: 10})
	for range chunkSize * 3 {
		require.NoError(t, disk.AddMessage(draw(1, 1)))
	}
	disk.CleanupBatches(chunkSize*2 + 5)
	first, last := disk.CachedRange()
	assert.Equal(t, chunkSize*2, first)
	assert.Equal(t, chunkSize*3-1, last)

	// Evicted positions are reloaded from the store
	msgs, cursor, err := disk.Batch(-1)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
	assert.Equal(t, 9, cursor)
	assert.Equal(t, 1, store.loads)
}

func TestResumeFromStore(t *testing.T) {
	store := newDurableStore()
	l := newLog(t, store, Options{})
	for range 4 {
		require.NoError(t, l.AddMessage(draw(1, 6)))
	}
	l.SetTitle("resumed")
	l.SetAuthenticatedOperator("Alice", true)
	l.AddBan("mallory", "10.0.0.1", "", "alice")

	again, err := New(store, store.meta, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.FirstIndex())
	assert.Equal(t, 3, again.LastIndex())
	assert.Equal(t, 40, again.SizeInBytes())
	assert.Equal(t, "resumed", again.Title())
	assert.True(t, again.IsOperator("alice"))
	assert.True(t, again.Bans().IsBanned("10.0.0.1", ""))

	msgs, cursor, err := again.Batch(-1)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
	assert.Equal(t, 3, cursor)

	require.NoError(t, again.AddMessage(draw(1, 6)))
	msgs, _, err = again.Batch(3)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSettings(t *testing.T) {
	l := newLog(t, NewMemoryStore(), Options{})

	l.SetMaxUsers(1000)
	assert.Equal(t, MaxUserID, l.MaxUsers())
	l.SetMaxUsers(0)
	assert.Equal(t, 1, l.MaxUsers())

	l.SetAutoResetThreshold(-5)
	assert.Equal(t, 0, l.AutoResetThreshold())

	assert.False(t, l.HasAuthenticatedOperators())
	l.SetAuthenticatedOperator("Bob", true)
	assert.True(t, l.HasAuthenticatedOperators())
	l.SetAuthenticatedOperator("bob", false)
	assert.False(t, l.HasAuthenticatedOperators())

	l.SetAuthenticatedTrust("carol", true)
	assert.True(t, l.IsTrusted("CAROL"))

	l.AddAnnouncement("https://list.example/")
	l.AddAnnouncement("https://list.example/")
	assert.Equal(t, []string{"https://list.example/"}, l.Announcements())
	l.RemoveAnnouncement("https://list.example/")
	assert.Empty(t, l.Announcements())
}

// TestBatchesAreContiguous checks that draining a log with batches
// visits every position exactly once, whatever the batch limits
func TestBatchesAreContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := newDurableStore()
		l, err := New(store, Meta{ID: "s"}, Options{
			BatchMessages: rapid.IntRange(1, 50).Draw(t, "batchMessages"),
			BatchBytes:    rapid.IntRange(1, 2000).Draw(t, "batchBytes"),
		})
		if err != nil {
			t.Fatal(err)
		}
		n := rapid.IntRange(0, 700).Draw(t, "n")
		for i := range n {
			if err := l.AddMessage(protocol.NewCanvas(0x80, uint8(i%250), []byte{byte(i), byte(i >> 8)})); err != nil {
				t.Fatal(err)
			}
		}
		l.CleanupBatches(rapid.IntRange(-1, n).Draw(t, "watermark"))

		cursor := -1
		seen := 0
		for cursor < l.LastIndex() {
			msgs, next, err := l.Batch(cursor)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) == 0 || next != cursor+len(msgs) {
				t.Fatalf("batch after %d returned %d messages ending at %d", cursor, len(msgs), next)
			}
			for i, m := range msgs {
				pos := cursor + 1 + i
				data := m.(*protocol.Canvas).Data()
				if int(data[0])|int(data[1])<<8 != pos {
					t.Fatalf("position %d holds message %d", pos, int(data[0])|int(data[1])<<8)
				}
			}
			seen += len(msgs)
			cursor = next
		}
		if seen != n {
			t.Fatalf("saw %d of %d messages", seen, n)
		}
	})
}
