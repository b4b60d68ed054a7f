package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aeolun/canvashub/pkg/history"
)

// JSONAPIMethod is the verb of an admin API request
type JSONAPIMethod int

const (
	MethodGet JSONAPIMethod = iota
	MethodCreate
	MethodUpdate
	MethodDelete
)

// MethodFromHTTP maps an HTTP method to an API verb
func MethodFromHTTP(method string) (JSONAPIMethod, bool) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return MethodGet, true
	case http.MethodPost:
		return MethodCreate, true
	case http.MethodPut, http.MethodPatch:
		return MethodUpdate, true
	case http.MethodDelete:
		return MethodDelete, true
	}
	return 0, false
}

// JSONAPIStatus is the outcome of an admin API request
type JSONAPIStatus int

const (
	StatusOk JSONAPIStatus = iota
	StatusBadRequest
	StatusNotFound
	StatusBadMethod
	StatusInternalError
)

// HTTPStatus maps an API status to an HTTP status code
func (s JSONAPIStatus) HTTPStatus() int {
	switch s {
	case StatusOk:
		return http.StatusOK
	case StatusBadRequest:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	case StatusBadMethod:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

// JSONAPIResult is a status plus a JSON-encodable body
type JSONAPIResult struct {
	Status JSONAPIStatus
	Body   any
}

func apiOK(body any) JSONAPIResult { return JSONAPIResult{Status: StatusOk, Body: body} }
func apiError(status JSONAPIStatus, message string) JSONAPIResult {
	return JSONAPIResult{Status: status, Body: map[string]any{"error": message}}
}

var (
	apiStatusOK  = map[string]any{"status": "ok"}
	apiNotFound  = apiError(StatusNotFound, "not found")
	apiBadMethod = apiError(StatusBadMethod, "method not allowed")
)

// CallJSONAPI serves an admin request for this session. path is relative
// to the session: empty for the session itself, "listing/<id>" for an
// announcement, "<userId>" for a user.
func (s *Session) CallJSONAPI(method JSONAPIMethod, path []string, body []byte) JSONAPIResult {
	var result JSONAPIResult
	s.withLock(func() {
		result = s.callJSONAPI(method, path, body)
	})
	return result
}

func (s *Session) callJSONAPI(method JSONAPIMethod, path []string, body []byte) JSONAPIResult {
	if len(path) > 0 {
		if path[0] == "listing" {
			return s.callListingAPI(method, path[1:])
		}
		id, err := strconv.Atoi(path[0])
		if err != nil || id < 1 || id > history.MaxUserID || len(path) > 1 {
			return apiNotFound
		}
		c := s.clientByID(uint8(id))
		if c == nil {
			return apiNotFound
		}
		return s.callUserAPI(c, method, body)
	}

	switch method {
	case MethodGet:
		return apiOK(s.description(true))

	case MethodUpdate:
		var req struct {
			ConfigPatch
			Message string `json:"message"`
			Alert   string `json:"alert"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return apiError(StatusBadRequest, "invalid request body: "+err.Error())
		}
		if s.state == StateShutdown {
			return apiNotFound
		}
		s.applyConfig(req.ConfigPatch, nil)
		s.messageAll(req.Message, false)
		s.messageAll(req.Alert, true)
		return apiOK(s.description(true))

	case MethodDelete:
		s.killSession(true)
		return apiOK(apiStatusOK)
	}
	return apiBadMethod
}

func (s *Session) callListingAPI(method JSONAPIMethod, path []string) JSONAPIResult {
	if len(path) != 1 {
		return apiNotFound
	}
	if method != MethodDelete {
		return apiBadMethod
	}
	id, err := strconv.Atoi(path[0])
	if err != nil {
		return apiNotFound
	}
	for _, l := range s.listings {
		if l.ID == id {
			s.unlistAnnouncement(l.URL, false)
			return apiOK(apiStatusOK)
		}
	}
	return apiNotFound
}

func (s *Session) callUserAPI(c *Client, method JSONAPIMethod, body []byte) JSONAPIResult {
	switch method {
	case MethodGet:
		return apiOK(c.Description(false))

	case MethodUpdate:
		var req struct {
			Message *string `json:"message"`
			Op      *bool   `json:"op"`
			Trusted *bool   `json:"trusted"`
			Muted   *bool   `json:"muted"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return apiError(StatusBadRequest, "invalid request body: "+err.Error())
		}
		if req.Message != nil {
			c.sendSystemChat(*req.Message)
		}
		if req.Op != nil {
			s.changeOpStatus(c.id, *req.Op, "the server administrator")
		}
		if req.Trusted != nil {
			s.changeTrustedStatus(c.id, *req.Trusted, "the server administrator")
		}
		if req.Muted != nil {
			s.setMuted(c, *req.Muted, "the server administrator")
		}
		return apiOK(c.Description(false))

	case MethodDelete:
		s.kick(c, "server operator")
		return apiOK(apiStatusOK)
	}
	return apiBadMethod
}
