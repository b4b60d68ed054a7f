package history

import "strings"

const (
	// MaxUserID is the largest assignable user id. 0 is the server.
	MaxUserID = 254

	reservedLimit = 32
	nameLimit     = 256
)

// IDQueue hands out session user ids. Recently freed ids are held back
// so stale references to a departed user don't land on a newcomer, and
// returning users get their previous id back when it is free.
type IDQueue struct {
	next     uint8
	reserved []uint8
	names    map[string]uint8
	order    []string
}

func NewIDQueue() *IDQueue {
	return &IDQueue{next: 1, names: make(map[string]uint8)}
}

// Next returns the next candidate id. Ids in the reserve are skipped
// unless every id is reserved.
func (q *IDQueue) Next() uint8 {
	for range MaxUserID {
		id := q.advance()
		if !q.isReserved(id) {
			return id
		}
	}
	if len(q.reserved) > 0 {
		id := q.reserved[0]
		q.reserved = q.reserved[1:]
		return id
	}
	return q.advance()
}

func (q *IDQueue) advance() uint8 {
	id := q.next
	q.next++
	if q.next == 0 || q.next > MaxUserID {
		q.next = 1
	}
	return id
}

func (q *IDQueue) isReserved(id uint8) bool {
	for _, r := range q.reserved {
		if r == id {
			return true
		}
	}
	return false
}

// Reserve puts a freed id at the back of the reserve
func (q *IDQueue) Reserve(id uint8) {
	for i, r := range q.reserved {
		if r == id {
			q.reserved = append(q.reserved[:i], q.reserved[i+1:]...)
			break
		}
	}
	q.reserved = append(q.reserved, id)
	if len(q.reserved) > reservedLimit {
		q.reserved = q.reserved[len(q.reserved)-reservedLimit:]
	}
}

// SetIDForName remembers the id a user had
func (q *IDQueue) SetIDForName(id uint8, name string) {
	key := strings.ToLower(name)
	if _, ok := q.names[key]; !ok {
		q.order = append(q.order, key)
		if len(q.order) > nameLimit {
			delete(q.names, q.order[0])
			q.order = q.order[1:]
		}
	}
	q.names[key] = id
}

// IDForName returns the id a user had last time, or 0
func (q *IDQueue) IDForName(name string) uint8 {
	return q.names[strings.ToLower(name)]
}
