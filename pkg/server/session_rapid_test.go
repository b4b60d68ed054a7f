package server

import (
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
)

// memoryDurableStore keeps every message like the database store does,
// so the log is allowed to evict its cache
type memoryDurableStore struct {
	msgs  map[int]protocol.Message
	first int
	last  int
	loads int
}

func newMemoryDurableStore() *memoryDurableStore {
	return &memoryDurableStore{msgs: make(map[int]protocol.Message), last: -1}
}

func (s *memoryDurableStore) Append(index int, msg protocol.Message) error {
	s.msgs[index] = msg
	s.last = index
	return nil
}

func (s *memoryDurableStore) Replace(first int, msgs []protocol.Message) error {
	s.msgs = make(map[int]protocol.Message)
	for i, m := range msgs {
		s.msgs[first+i] = m
	}
	s.first, s.last = first, first+len(msgs)-1
	return nil
}

func (s *memoryDurableStore) Load(from, to int) ([]protocol.Message, error) {
	s.loads++
	out := make([]protocol.Message, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, s.msgs[i])
	}
	return out, nil
}

func (s *memoryDurableStore) Bounds() (int, int, int, error) {
	size := 0
	for _, m := range s.msgs {
		size += m.Length()
	}
	return s.first, s.last, size, nil
}

func (s *memoryDurableStore) SaveMeta(history.Meta) error { return nil }
func (s *memoryDurableStore) Terminate() error { return nil }
func (s *memoryDurableStore) Close() error { return nil }
func (s *memoryDurableStore) Durable() bool { return true }

// TestSessionOrderingProperty drives a session through random drawing
// and reset activity and checks that per-author order survives, held
// messages are never lost and resets are all or nothing
func TestSessionOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, _, alice, _ := hostRunning(t, SessionConfig{})
		bob, _ := joinClient(t, s, "bob", false)
		carol, _ := joinClient(t, s, "carol", false)
		clients := []*Client{alice, bob, carol}

		seq := map[uint8]int{}
		// Messages of bob and carol numbered above this survive the
		// last committed reset
		survivorsFrom := map[uint8]int{}
		var resetStart map[uint8]int

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for range steps {
			switch rapid.IntRange(0, 5).Draw(t, "action") {
			case 0, 1:
				c := rapid.SampledFrom(clients).Draw(t, "author")
				seq[c.ID()]++
				c.MessageReceived(tagged(c.ID(), seq[c.ID()]))

			case 2:
				wasRunning := s.State() == StateRunning
				alice.MessageReceived(command(t, "reset-session", nil, nil))
				if wasRunning {
					if s.State() != StateReset {
						t.Fatalf("reset-session by an operator left the session %s", s.State())
					}
					resetStart = map[uint8]int{bob.ID(): seq[bob.ID()], carol.ID(): seq[carol.ID()]}
				}

			case 3:
				alice.MessageReceived(command(t, "init-begin", nil, nil))

			case 4:
				wasReset := s.State() == StateReset
				hasSnapshot := len(s.resetBuf) > 0
				first, last := s.history.FirstIndex(), s.history.LastIndex()
				alice.MessageReceived(command(t, "init-complete", nil, nil))
				switch {
				case wasReset && hasSnapshot:
					if s.history.FirstIndex() != last+1 {
						t.Fatalf("committed reset starts at %d, want %d", s.history.FirstIndex(), last+1)
					}
					survivorsFrom = resetStart
				case s.history.FirstIndex() != first:
					t.Fatalf("history replaced without a snapshot")
				}

			case 5:
				first := s.history.FirstIndex()
				alice.MessageReceived(command(t, "init-cancel", nil, nil))
				if s.history.FirstIndex() != first {
					t.Fatalf("cancelled reset replaced the history")
				}
			}

			state := s.State()
			if state != StateRunning && state != StateReset {
				t.Fatalf("unexpected state %s", state)
			}
			for _, c := range clients {
				if state == StateRunning && len(c.holdQueue) > 0 {
					t.Fatalf("user %d has held messages while running", c.ID())
				}
				if c.historyPosition > s.history.LastIndex() {
					t.Fatalf("user %d is at %d, past the end of history %d", c.ID(), c.historyPosition, s.history.LastIndex())
				}
			}
		}

		if s.State() == StateReset {
			alice.MessageReceived(command(t, "init-cancel", nil, nil))
		}

		got := map[uint8][]int{}
		for _, m := range historyMessages(t, s.history) {
			if c, ok := m.(*protocol.Canvas); ok {
				author, n := untag(c)
				got[author] = append(got[author], n)
			}
		}
		for author, seqs := range got {
			for i := 1; i < len(seqs); i++ {
				if seqs[i] <= seqs[i-1] {
					t.Fatalf("messages of user %d out of order: %v", author, seqs)
				}
			}
		}
		for _, c := range []*Client{bob, carol} {
			var want []int
			for n := survivorsFrom[c.ID()] + 1; n <= seq[c.ID()]; n++ {
				want = append(want, n)
			}
			if len(want) != len(got[c.ID()]) {
				t.Fatalf("user %d: history has %v, want %v", c.ID(), got[c.ID()], want)
			}
			for i := range want {
				if want[i] != got[c.ID()][i] {
					t.Fatalf("user %d: history has %v, want %v", c.ID(), got[c.ID()], want)
				}
			}
		}
	})
}

// TestOperatorInvariantProperty checks that a session with users always
// has an operator, whatever joins, leaves and de-ops happen
func TestOperatorInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, _, alice, _ := hostRunning(t, SessionConfig{AllowPersistent: true})
		s.ApplyConfig(ConfigPatch{Persistent: ptr(true)})
		clients := []*Client{alice}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := range steps {
			action := rapid.IntRange(0, 3).Draw(t, "action")
			if len(clients) == 0 {
				action = 0
			}
			switch action {
			case 0:
				c, _ := joinClient(t, s, "user"+strconv.Itoa(i), false)
				clients = append(clients, c)

			case 1:
				n := rapid.IntRange(0, len(clients)-1).Draw(t, "leaver")
				clients[n].TransportClosed()
				clients = append(clients[:n], clients[n+1:]...)

			case 2, 3:
				c := rapid.SampledFrom(clients).Draw(t, "target")
				body := `{"op":false}`
				if action == 3 {
					body = `{"op":true}`
				}
				res := s.CallJSONAPI(MethodUpdate, []string{strconv.Itoa(int(c.ID()))}, []byte(body))
				if res.Status != StatusOk {
					t.Fatalf("op change of user %d failed: %v", c.ID(), res.Body)
				}
			}

			var users, ops int
			s.withLock(func() {
				users = len(s.clients)
				ops = len(s.operatorIDs())
			})
			if users != len(clients) {
				t.Fatalf("session has %d users, want %d", users, len(clients))
			}
			if users > 0 && ops == 0 {
				t.Fatalf("no operator among %d users", users)
			}
		}
		if s.State() != StateRunning {
			t.Fatalf("persistent session ended in state %s", s.State())
		}
	})
}

// TestWatermarkProperty checks that cached history is never released
// while a connected client still needs it, however far a slow client
// falls behind
func TestWatermarkProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := newMemoryDurableStore()
		h := newTestHistory(t, store, history.Options{
			BatchMessages: rapid.IntRange(1, 300).Draw(t, "batchMessages"),
		})
		s := NewSession(h, SessionDeps{})
		alice, _ := joinClient(t, s, "alice", true)
		alice.MessageReceived(command(t, "init-complete", nil, nil))

		bob, bobTr := testClient("bob")
		bobTr.manual = true
		if err := s.Join(bob, false, ""); err != nil {
			t.Fatalf("join failed: %v", err)
		}

		sent := 0
		evicted := false
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			if rapid.Bool().Draw(t, "draw") {
				for range rapid.IntRange(1, 100).Draw(t, "count") {
					sent++
					alice.MessageReceived(tagged(alice.ID(), sent))
				}
			} else {
				bobTr.drain(bob)
			}
			if first, _ := h.CachedRange(); first > 0 {
				evicted = true
				if first > bob.historyPosition+1 {
					t.Fatalf("cache starts at %d but bob needs %d", first, bob.historyPosition+1)
				}
			}
		}
		for bob.historyPosition < h.LastIndex() {
			bobTr.drain(bob)
		}

		if store.loads != 0 {
			t.Fatalf("history was reloaded from the store %d times (evicted=%v)", store.loads, evicted)
		}
		var got []int
		for _, c := range bobTr.canvasFrom() {
			_, n := untag(c)
			got = append(got, n)
		}
		if len(got) != sent {
			t.Fatalf("bob received %d of %d messages", len(got), sent)
		}
		for i, n := range got {
			if n != i+1 {
				t.Fatalf("bob received message %d at position %d", n, i)
			}
		}
	})
}
