package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanList(t *testing.T) {
	var b BanList
	now := time.Now()

	id := b.Add("mallory", "10.0.0.1", "", "alice", now)
	assert.Equal(t, 1, id)
	assert.Zero(t, b.Add("mallory2", "10.0.0.1", "", "alice", now), "same address is banned once")

	id2 := b.Add("eve", "10.0.0.2", "ext-42", "alice", now)
	assert.Equal(t, 2, id2)

	assert.True(t, b.IsBanned("10.0.0.1", ""))
	assert.True(t, b.IsBanned("", "EXT-42"))
	assert.False(t, b.IsBanned("", ""))
	assert.False(t, b.IsBanned("10.0.0.3", "other"))

	public := b.JSON(false)
	require.Len(t, public, 2)
	assert.NotContains(t, public[0], "ip")
	assert.Equal(t, "10.0.0.1", b.JSON(true)[0]["ip"])

	name, ok := b.Remove(id)
	assert.True(t, ok)
	assert.Equal(t, "mallory", name)
	assert.False(t, b.IsBanned("10.0.0.1", ""))

	_, ok = b.Remove(id)
	assert.False(t, ok)

	assert.Equal(t, 3, b.Add("mallory", "10.0.0.1", "", "alice", now), "ids are never reused")
}

func TestIDQueueSkipsReserved(t *testing.T) {
	q := NewIDQueue()
	assert.Equal(t, uint8(1), q.Next())
	assert.Equal(t, uint8(2), q.Next())

	q.Reserve(3)
	assert.Equal(t, uint8(4), q.Next())
}

func TestIDQueueWraps(t *testing.T) {
	q := NewIDQueue()
	for i := 1; i <= MaxUserID; i++ {
		assert.Equal(t, uint8(i), q.Next())
	}
	assert.Equal(t, uint8(1), q.Next(), "ids wrap around and never hand out 0 or 255")
}

func TestIDQueueAllReserved(t *testing.T) {
	q := NewIDQueue()
	q.reserved = nil
	for i := 1; i <= MaxUserID; i++ {
		q.reserved = append(q.reserved, uint8(i))
	}
	assert.Equal(t, uint8(1), q.Next(), "oldest reserved id is released when nothing else is left")
}

func TestIDQueueNames(t *testing.T) {
	q := NewIDQueue()
	assert.Zero(t, q.IDForName("alice"))
	q.SetIDForName(7, "Alice")
	assert.Equal(t, uint8(7), q.IDForName("alice"))
}

func TestIDQueueReserveLimit(t *testing.T) {
	q := NewIDQueue()
	for i := 1; i <= reservedLimit+5; i++ {
		q.Reserve(uint8(i))
	}
	assert.Len(t, q.reserved, reservedLimit)
	assert.False(t, q.isReserved(1))
	assert.True(t, q.isReserved(uint8(reservedLimit+5)))
}
