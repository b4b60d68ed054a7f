package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/canvashub/pkg/client"
	"github.com/aeolun/canvashub/pkg/protocol"
)

const journeyTimeout = 5 * time.Second

// journeyServer is a real server listening on loopback, reachable over
// TCP and WebSocket
type journeyServer struct {
	srv    *Server
	tcpURL string
	wsURL  string
}

func setupJourneyServer(t *testing.T) *journeyServer {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		BindAddress:     "127.0.0.1",
		AllowGuests:     true,
		AllowGuestHosts: true,
	}, Options{Announcer: NopAnnouncer{}})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })

	ws := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ws.Close)

	return &journeyServer{
		srv:    srv,
		tcpURL: "tcp://" + srv.Addr().String(),
		wsURL:  "ws" + strings.TrimPrefix(ws.URL, "http") + "/ws",
	}
}

func (js *journeyServer) url(transport string) string {
	if transport == "websocket" {
		return js.wsURL
	}
	return js.tcpURL
}

func dialJourney(t *testing.T, js *journeyServer, transport string) *client.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel()
	c, err := client.Dial(ctx, js.url(transport), client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Equal(t, transport, c.Kind())

	hello, err := c.Hello(ctx)
	require.NoError(t, err)
	require.Equal(t, int(protocol.ProtocolVersion), hello.Protocol)
	return c
}

// expect reads messages until one of type T satisfies match. Everything
// else is skipped.
func expect[T protocol.Message](t *testing.T, c *client.Connection, match func(T) bool) T {
	t.Helper()
	timer := time.NewTimer(journeyTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-c.Incoming():
			if !ok {
				var zero T
				t.Fatalf("connection closed while waiting for %T", zero)
				return zero
			}
			if m, ok := msg.(T); ok && (match == nil || match(m)) {
				return m
			}
		case <-timer.C:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestJourney(t *testing.T) {
	js := setupJourneyServer(t)

	transports := []string{"tcp", "websocket"}
	for _, host := range transports {
		for _, guest := range transports {
			t.Run(host+"_hosts_"+guest+"_joins", func(t *testing.T) {
				runDrawingJourney(t, js, host, guest)
			})
		}
	}
}

func runDrawingJourney(t *testing.T, js *journeyServer, hostTransport, guestTransport string) {
	ctx, cancel := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel()
	alias := fmt.Sprintf("%s-%s", hostTransport, guestTransport)

	// 1. Host a session and upload its initial content
	alice := dialJourney(t, js, hostTransport)
	hosted, err := alice.Host(ctx, client.Credentials{Username: "alice"}, client.HostOptions{Alias: alias, Title: "Journey"})
	require.NoError(t, err)
	assert.True(t, hosted.Host)
	assert.Equal(t, alias, hosted.Alias)
	for i := range 3 {
		require.NoError(t, alice.Send(protocol.NewCanvas(protocol.TypeCanvasBase, hosted.User, []byte{byte(i)})))
	}
	require.NoError(t, alice.InitComplete())

	// 2. A second user finds the session and joins it
	bob := dialJourney(t, js, guestTransport)
	var listed bool
	require.Eventually(t, func() bool {
		sessions, err := bob.List(ctx)
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.Alias == alias {
				listed = true
				assert.Equal(t, "Journey", s.Title)
				assert.Equal(t, "alice", s.Founder)
			}
		}
		return listed
	}, journeyTimeout, 20*time.Millisecond)

	joined, err := bob.Join(ctx, client.Credentials{Username: "bob"}, alias, "")
	require.NoError(t, err)
	assert.Equal(t, hosted.Session, joined.Session)
	assert.NotEqual(t, hosted.User, joined.User)
	assert.False(t, joined.Host)

	// 3. The newcomer catches up on the initial content, in order
	for i := range 3 {
		m := expect(t, bob, func(m *protocol.Canvas) bool { return m.ContextID() == hosted.User })
		assert.Equal(t, []byte{byte(i)}, m.Data())
	}

	// 4. Drawing and chat flow both ways
	expect(t, alice, func(m *protocol.UserJoin) bool { return m.ContextID() == joined.User })
	require.NoError(t, bob.Send(protocol.NewCanvas(protocol.TypeCanvasBase, joined.User, []byte("stroke"))))
	got := expect(t, alice, func(m *protocol.Canvas) bool { return m.ContextID() == joined.User })
	assert.Equal(t, []byte("stroke"), got.Data())

	require.NoError(t, alice.Send(protocol.NewChat(hosted.User, 0, "hi bob")))
	chat := expect(t, bob, func(m *protocol.Chat) bool { return m.ContextID() == hosted.User })
	assert.Equal(t, "hi bob", chat.Text())

	// 5. Leaving is announced to the others
	require.NoError(t, bob.Close())
	expect(t, alice, func(m *protocol.UserLeave) bool { return m.ContextID() == joined.User })
}

func TestJourneyShutdown(t *testing.T) {
	js := setupJourneyServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel()

	alice := dialJourney(t, js, "tcp")
	_, err := alice.Host(ctx, client.Credentials{Username: "alice"}, client.HostOptions{})
	require.NoError(t, err)
	lobby := dialJourney(t, js, "websocket")

	require.NoError(t, js.srv.Stop())

	for _, c := range []*client.Connection{alice, lobby} {
		m := expect[*protocol.Disconnect](t, c, nil)
		assert.Equal(t, protocol.DisconnectShutdown, m.Reason())
	}
	assert.Zero(t, js.srv.Registry().Count())
}
