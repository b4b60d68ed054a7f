package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/canvashub/pkg/history"
	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

// recordingAnnouncer remembers every call and accepts every listing
type recordingAnnouncer struct {
	mu        sync.Mutex
	announced []ListingInfo
	unlisted  []string
}

func (a *recordingAnnouncer) Announce(_ context.Context, apiURL string, info ListingInfo) (Listing, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announced = append(a.announced, info)
	return Listing{
		ID:              len(a.announced),
		URL:             apiURL,
		Key:             "secret",
		RoomCode:        "ROOM",
		Private:         info.Private,
		RefreshInterval: time.Hour,
	}, "Listed!", nil
}

func (a *recordingAnnouncer) Refresh(context.Context, Listing, ListingInfo) (string, error) {
	return "", nil
}

func (a *recordingAnnouncer) Unlist(_ context.Context, l Listing) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unlisted = append(a.unlisted, l.URL)
	return nil
}

func (a *recordingAnnouncer) calls() (announced int, unlisted []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.announced), slices.Clone(a.unlisted)
}

func announceSession(t *testing.T, cfg SessionConfig, announcer Announcer) (*Session, *serverlog.Log) {
	events := serverlog.New(nil, 0)
	h := newTestHistory(t, history.NewMemoryStore(), history.Options{})
	return NewSession(h, SessionDeps{Config: cfg, Events: events, Announcer: announcer}), events
}

func sessionAnnouncements(s *Session) []string {
	var urls []string
	s.withLock(func() {
		urls = s.history.Announcements()
	})
	return urls
}

func TestAnnounceAndUnlist(t *testing.T) {
	announcer := &recordingAnnouncer{}
	s, _ := announceSession(t, SessionConfig{}, announcer)
	alice, tr := joinClient(t, s, "alice", true)
	alice.MessageReceived(command(t, "init-complete", nil, nil))

	const listURL = "https://listing.example.com/api"
	alice.MessageReceived(command(t, "announce-session", []any{listURL}, map[string]any{"private": false}))
	require.Eventually(t, func() bool {
		return slices.Contains(sessionAnnouncements(s), listURL)
	}, time.Second, 5*time.Millisecond)

	n, _ := announcer.calls()
	assert.Equal(t, 1, n)
	assert.Equal(t, "alice", announcer.announced[0].Founder)
	assert.Equal(t, []string{"alice"}, announcer.announced[0].UserNames)
	assert.NotEmpty(t, tr.replies(protocol.ReplySessionConf))
	assert.True(t, slices.ContainsFunc(tr.replies(protocol.ReplyMessage), func(r protocol.ServerReply) bool {
		return r.Message == "Listed!"
	}))

	// Announcing at the same server again is not a second listing
	alice.MessageReceived(command(t, "announce-session", []any{listURL}, nil))
	n, _ = announcer.calls()
	assert.Equal(t, 1, n)

	alice.MessageReceived(command(t, "unlist-session", []any{listURL}, nil))
	assert.Empty(t, sessionAnnouncements(s))
	require.Eventually(t, func() bool {
		_, unlisted := announcer.calls()
		return slices.Equal(unlisted, []string{listURL})
	}, time.Second, 5*time.Millisecond)
}

func TestAnnounceRequiresOperator(t *testing.T) {
	announcer := &recordingAnnouncer{}
	s, _ := announceSession(t, SessionConfig{}, announcer)
	alice, _ := joinClient(t, s, "alice", true)
	alice.MessageReceived(command(t, "init-complete", nil, nil))
	bob, bobTr := joinClient(t, s, "bob", false)

	bob.MessageReceived(command(t, "announce-session", []any{"https://listing.example.com/"}, nil))
	errs := bobTr.replies(protocol.ReplyError)
	require.NotEmpty(t, errs)
	assert.Equal(t, errNotOperator.Error(), errs[len(errs)-1].Message)

	n, _ := announcer.calls()
	assert.Zero(t, n)
}

func TestAnnounceAllowlist(t *testing.T) {
	announcer := &recordingAnnouncer{}
	s, events := announceSession(t, SessionConfig{AnnounceAllowlist: []string{"https://good.example.com/"}}, announcer)
	alice, _ := joinClient(t, s, "alice", true)
	alice.MessageReceived(command(t, "init-complete", nil, nil))

	for _, url := range []string{"https://bad.example.com/", "ftp://good.example.com/", "not a url"} {
		alice.MessageReceived(command(t, "announce-session", []any{url}, nil))
	}
	assert.True(t, hasEvent(events, "Announcement API URL not allowed"))
	n, _ := announcer.calls()
	assert.Zero(t, n)

	alice.MessageReceived(command(t, "announce-session", []any{"https://good.example.com/v1"}, nil))
	require.Eventually(t, func() bool {
		return len(sessionAnnouncements(s)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHTTPAnnouncer(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			var req announceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Title != "Sketching" || req.Host != "canvas.example.com" || req.Port != 27750 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "unexpected announcement"})
				return
			}
			json.NewEncoder(w).Encode(announceResponse{ID: 7, Key: "k3y", Expires: 2, RoomCode: "ABCDE", Message: "welcome"})
		case http.MethodPut:
			if r.Header.Get("X-Update-Key") != "k3y" {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "bad key"})
				return
			}
			json.NewEncoder(w).Encode(announceResponse{})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	a := NewHTTPAnnouncer("canvas.example.com", 27750)
	listing, message, err := a.Announce(ctx, srv.URL+"/", ListingInfo{ID: "sketch", Title: "Sketching", StartTime: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "welcome", message)
	assert.Equal(t, 7, listing.ID)
	assert.Equal(t, "ABCDE", listing.RoomCode)
	assert.Equal(t, 2*time.Minute, listing.RefreshInterval)

	_, err = a.Refresh(ctx, listing, ListingInfo{Title: "Sketching"})
	require.NoError(t, err)

	wrongKey := listing
	wrongKey.Key = "nope"
	_, err = a.Refresh(ctx, wrongKey, ListingInfo{})
	assert.EqualError(t, err, "listing server error: bad key")

	require.NoError(t, a.Unlist(ctx, listing))

	_, _, err = a.Announce(ctx, srv.URL, ListingInfo{Title: "Other"})
	assert.EqualError(t, err, "listing server error: unexpected announcement")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /sessions/",
		"PUT /sessions/7/",
		"PUT /sessions/7/",
		"DELETE /sessions/7/",
		"POST /sessions/",
	}, requests)
}
