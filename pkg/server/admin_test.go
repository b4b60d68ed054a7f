package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/canvashub/pkg/protocol"
)

func TestSessionJSONAPI(t *testing.T) {
	s, _, alice, aliceTr := hostRunning(t, SessionConfig{})
	bob, bobTr := joinClient(t, s, "bob", false)

	res := s.CallJSONAPI(MethodGet, nil, nil)
	require.Equal(t, StatusOk, res.Status)
	desc := res.Body.(map[string]any)
	assert.Equal(t, "running", desc["state"])
	assert.Len(t, desc["users"], 2)

	res = s.CallJSONAPI(MethodUpdate, nil, []byte(`{"title":"Renamed","message":"Hello from the admin"}`))
	require.Equal(t, StatusOk, res.Status)
	assert.Equal(t, "Renamed", s.history.Title())
	msgs := bobTr.replies(protocol.ReplyMessage)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Hello from the admin", msgs[len(msgs)-1].Message)

	res = s.CallJSONAPI(MethodUpdate, nil, []byte(`not json`))
	assert.Equal(t, StatusBadRequest, res.Status)
	assert.Equal(t, StatusBadMethod, s.CallJSONAPI(MethodCreate, nil, nil).Status)

	bobPath := []string{strconv.Itoa(int(bob.ID()))}
	res = s.CallJSONAPI(MethodUpdate, bobPath, []byte(`{"op":true,"muted":true}`))
	require.Equal(t, StatusOk, res.Status)
	assert.True(t, bob.IsOperator())
	assert.True(t, bob.muted)

	// An operator cannot lock guests out, but the administrator can
	res = s.CallJSONAPI(MethodUpdate, nil, []byte(`{"authOnly":true}`))
	require.Equal(t, StatusOk, res.Status)
	assert.Equal(t, true, res.Body.(map[string]any)["authOnly"])

	assert.Equal(t, StatusNotFound, s.CallJSONAPI(MethodGet, []string{"250"}, nil).Status)
	assert.Equal(t, StatusNotFound, s.CallJSONAPI(MethodGet, []string{"abc"}, nil).Status)
	assert.Equal(t, StatusNotFound, s.CallJSONAPI(MethodDelete, []string{"listing", "1"}, nil).Status)
	assert.Equal(t, StatusBadMethod, s.CallJSONAPI(MethodGet, []string{"listing", "1"}, nil).Status)

	res = s.CallJSONAPI(MethodDelete, bobPath, nil)
	require.Equal(t, StatusOk, res.Status)
	assert.True(t, bobTr.disconnected)
	assert.Equal(t, protocol.DisconnectKick, bobTr.reason)

	res = s.CallJSONAPI(MethodDelete, nil, nil)
	require.Equal(t, StatusOk, res.Status)
	assert.Equal(t, StateShutdown, s.State())
	assert.True(t, aliceTr.disconnected)
	assert.Nil(t, alice.Session())

	assert.Equal(t, StatusNotFound, s.CallJSONAPI(MethodUpdate, nil, []byte(`{}`)).Status)
}

func TestMethodFromHTTP(t *testing.T) {
	for method, want := range map[string]JSONAPIMethod{
		http.MethodGet:    MethodGet,
		http.MethodPost:   MethodCreate,
		http.MethodPut:    MethodUpdate,
		http.MethodPatch:  MethodUpdate,
		http.MethodDelete: MethodDelete,
	} {
		got, ok := MethodFromHTTP(method)
		assert.True(t, ok, method)
		assert.Equal(t, want, got, method)
	}
	_, ok := MethodFromHTTP(http.MethodOptions)
	assert.False(t, ok)
}

func adminRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestAdminHandler(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	srv := newTestServer(t, ServerConfig{
		AllowGuests:     true,
		AllowGuestHosts: true,
		AdminUser:       "admin",
		AdminPassword:   string(hash),
	})
	h := srv.AdminHandler()

	alice, _ := connect(srv)
	alice.MessageReceived(command(t, "host", nil, map[string]any{"username": "alice", "alias": "doodles"}))
	sess := alice.Session()
	require.NotNil(t, sess)

	rec, body := adminRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body.(map[string]any)["status"])

	rec, _ = adminRequest(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "canvashub_sessions 1")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.SetBasicAuth("admin", "wrong")
	unauthorized := httptest.NewRecorder()
	h.ServeHTTP(unauthorized, req)
	assert.Equal(t, http.StatusUnauthorized, unauthorized.Code)

	rec, body = adminRequest(t, h, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body, 1)
	assert.Equal(t, "doodles", body.([]any)[0].(map[string]any)["alias"])

	rec, body = adminRequest(t, h, http.MethodGet, "/api/sessions/doodles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "initialization", body.(map[string]any)["state"])

	rec, _ = adminRequest(t, h, http.MethodPut, "/api/sessions/"+sess.ID(), `{"title":"Via admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Via admin", sess.Description(false)["title"])

	path := "/api/sessions/doodles/" + strconv.Itoa(int(alice.ID()))
	rec, body = adminRequest(t, h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body.(map[string]any)["name"])

	rec, _ = adminRequest(t, h, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = adminRequest(t, h, http.MethodGet, "/api/log?session="+sess.ID(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body)

	rec, _ = adminRequest(t, h, http.MethodGet, "/api/log?after=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = adminRequest(t, h, http.MethodDelete, "/api/sessions/doodles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, srv.registry.Count())
}
