package history

import (
	"errors"
	"time"

	"github.com/aeolun/canvashub/pkg/protocol"
)

var ErrNotDurable = errors.New("store keeps no copy of evicted messages")

// Store persists the messages and metadata of one session log.
//
// Indexes passed to Append are always lastIndex+1. Replace drops every
// stored message and stores msgs at first, first+1, ...
type Store interface {
	Append(index int, msg protocol.Message) error
	Replace(first int, msgs []protocol.Message) error
	// Load returns messages from..to inclusive
	Load(from, to int) ([]protocol.Message, error)
	// Bounds reports the stored window and its byte size. An empty
	// store reports first=0, last=-1.
	Bounds() (first, last, size int, err error)
	SaveMeta(meta Meta) error
	// Terminate deletes everything the store has persisted
	Terminate() error
	Close() error
	// Durable stores keep every message, so the log may evict its cache
	Durable() bool
}

// Meta is the persistent description of a session
type Meta struct {
	ID             string     `cbor:"id"`
	Alias          string     `cbor:"alias,omitempty"`
	Founder        string     `cbor:"founder"`
	Title          string     `cbor:"title,omitempty"`
	StartTime      time.Time  `cbor:"start"`
	MaxUsers       int        `cbor:"maxUsers"`
	Persistent     bool       `cbor:"persistent,omitempty"`
	PreserveChat   bool       `cbor:"preserveChat,omitempty"`
	Nsfm           bool       `cbor:"nsfm,omitempty"`
	Deputies       bool       `cbor:"deputies,omitempty"`
	PasswordHash   string     `cbor:"password,omitempty"`
	OpwordHash     string     `cbor:"opword,omitempty"`
	ResetThreshold int        `cbor:"resetThreshold,omitempty"`
	Bans           []BanEntry `cbor:"bans,omitempty"`
	Operators      []string   `cbor:"ops,omitempty"`
	Trusted        []string   `cbor:"trusted,omitempty"`
	Announcements  []string   `cbor:"announcements,omitempty"`
}

// MemoryStore keeps nothing beyond the log's own cache. Sessions using
// it vanish with the process.
type MemoryStore struct{}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (MemoryStore) Append(int, protocol.Message) error { return nil }
func (MemoryStore) Replace(int, []protocol.Message) error { return nil }
func (MemoryStore) Load(int, int) ([]protocol.Message, error) {
	return nil, ErrNotDurable
}
func (MemoryStore) Bounds() (int, int, int, error) { return 0, -1, 0, nil }
func (MemoryStore) SaveMeta(Meta) error { return nil }
func (MemoryStore) Terminate() error { return nil }
func (MemoryStore) Close() error { return nil }
func (MemoryStore) Durable() bool { return false }
