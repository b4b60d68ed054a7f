package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aeolun/canvashub/pkg/protocol"
	"github.com/aeolun/canvashub/pkg/serverlog"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	listingRequestTimeout  = 30 * time.Second
)

// ListingInfo is what a listing server is told about a session
type ListingInfo struct {
	ID          string
	Protocol    string
	Title       string
	Users       int
	UserNames   []string
	HasPassword bool
	Nsfm        bool
	Private     bool
	Founder     string
	StartTime   time.Time
}

// Listing is an announcement of a session at one listing server
type Listing struct {
	ID              int
	URL             string
	Key             string
	RoomCode        string
	Private         bool
	RefreshInterval time.Duration
}

// Announcer talks to session listing servers. Calls may block; sessions
// never call them with their lock held.
type Announcer interface {
	// Announce lists a session. The returned message, if any, is shown
	// to the session's users.
	Announce(ctx context.Context, apiURL string, info ListingInfo) (Listing, string, error)
	Refresh(ctx context.Context, l Listing, info ListingInfo) (string, error)
	Unlist(ctx context.Context, l Listing) error
}

// NopAnnouncer refuses every announcement
type NopAnnouncer struct{}

func (NopAnnouncer) Announce(context.Context, string, ListingInfo) (Listing, string, error) {
	return Listing{}, "", fmt.Errorf("session announcements are disabled")
}

func (NopAnnouncer) Refresh(context.Context, Listing, ListingInfo) (string, error) { return "", nil }
func (NopAnnouncer) Unlist(context.Context, Listing) error { return nil }

// HTTPAnnouncer speaks the JSON listing server API
type HTTPAnnouncer struct {
	// Host and Port are where clients can reach this server
	Host string
	Port int

	httpClient *http.Client
}

func NewHTTPAnnouncer(host string, port int) *HTTPAnnouncer {
	return &HTTPAnnouncer{
		Host: host,
		Port: port,
		httpClient: &http.Client{
			Timeout: listingRequestTimeout,
		},
	}
}

type announceRequest struct {
	Host      string   `json:"host,omitempty"`
	Port      int      `json:"port,omitempty"`
	ID        string   `json:"id,omitempty"`
	Protocol  string   `json:"protocol,omitempty"`
	Title     string   `json:"title"`
	Users     int      `json:"users"`
	Usernames []string `json:"usernames"`
	Password  bool     `json:"password"`
	Nsfm      bool     `json:"nsfm"`
	Private   bool     `json:"private"`
	Owner     string   `json:"owner,omitempty"`
	Started   string   `json:"started,omitempty"`
}

type announceResponse struct {
	ID       int    `json:"id"`
	Key      string `json:"key"`
	Expires  int    `json:"expires"` // minutes
	RoomCode string `json:"roomcode"`
	Private  bool   `json:"private"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

func (a *HTTPAnnouncer) Announce(ctx context.Context, apiURL string, info ListingInfo) (Listing, string, error) {
	req := announceRequest{
		Host:      a.Host,
		Port:      a.Port,
		ID:        info.ID,
		Protocol:  info.Protocol,
		Title:     info.Title,
		Users:     info.Users,
		Usernames: info.UserNames,
		Password:  info.HasPassword,
		Nsfm:      info.Nsfm,
		Private:   info.Private,
		Owner:     info.Founder,
		Started:   info.StartTime.UTC().Format(time.RFC3339),
	}
	var resp announceResponse
	if err := a.do(ctx, http.MethodPost, strings.TrimSuffix(apiURL, "/")+"/sessions/", "", req, &resp); err != nil {
		return Listing{}, "", err
	}

	interval := time.Duration(resp.Expires) * time.Minute
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return Listing{
		ID:              resp.ID,
		URL:             apiURL,
		Key:             resp.Key,
		RoomCode:        resp.RoomCode,
		Private:         info.Private,
		RefreshInterval: interval,
	}, resp.Message, nil
}

func (a *HTTPAnnouncer) Refresh(ctx context.Context, l Listing, info ListingInfo) (string, error) {
	req := announceRequest{
		Title:     info.Title,
		Users:     info.Users,
		Usernames: info.UserNames,
		Password:  info.HasPassword,
		Nsfm:      info.Nsfm,
		Private:   l.Private,
	}
	var resp announceResponse
	if err := a.do(ctx, http.MethodPut, listingURL(l), l.Key, req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (a *HTTPAnnouncer) Unlist(ctx context.Context, l Listing) error {
	return a.do(ctx, http.MethodDelete, listingURL(l), l.Key, nil, nil)
}

func listingURL(l Listing) string {
	return fmt.Sprintf("%s/sessions/%d/", strings.TrimSuffix(l.URL, "/"), l.ID)
}

func (a *HTTPAnnouncer) do(ctx context.Context, method, target, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode listing request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create listing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Update-Key", key)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach listing server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read listing server response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr announceResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("listing server error: %s", apiErr.Error)
		}
		return fmt.Errorf("listing server error (status %d)", resp.StatusCode)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse listing server response: %w", err)
		}
	}
	return nil
}

// Session side

func (s *Session) announcementAllowed(apiURL string) bool {
	u, err := url.Parse(apiURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(s.config.AnnounceAllowlist) == 0 {
		return true
	}
	return slices.ContainsFunc(s.config.AnnounceAllowlist, func(prefix string) bool {
		return strings.HasPrefix(apiURL, prefix)
	})
}

func (s *Session) listingInfo(private bool) ListingInfo {
	id := s.Alias()
	if id == "" {
		id = s.ID()
	}
	info := ListingInfo{
		ID:          id,
		Protocol:    fmt.Sprintf("canvashub:%d", protocol.ProtocolVersion),
		Title:       s.history.Title(),
		Users:       len(s.clients),
		UserNames:   []string{},
		HasPassword: s.history.PasswordHash() != "",
		Nsfm:        s.history.IsNsfm(),
		Private:     private,
		Founder:     s.history.Founder(),
		StartTime:   s.history.StartTime(),
	}
	if !info.HasPassword {
		for _, c := range s.clients {
			info.UserNames = append(info.UserNames, c.Username())
		}
	}
	return info
}

func (s *Session) pubLog(level serverlog.Level, message string) {
	s.log(serverlog.Entry{Level: level, Topic: serverlog.TopicPubList, Message: message})
}

// makeAnnouncement lists the session at a listing server. The request
// runs in the background; its result is applied under the session lock.
func (s *Session) makeAnnouncement(apiURL string, private bool) {
	if !s.announcementAllowed(apiURL) {
		s.pubLog(serverlog.LevelWarn, "Announcement API URL not allowed: "+apiURL)
		return
	}

	// Announcing again at the same server only changes the privacy mode
	if i := slices.IndexFunc(s.listings, func(l Listing) bool { return l.URL == apiURL }); i >= 0 {
		if s.listings[i].Private != private {
			s.listings[i].Private = private
			s.sendUpdatedAnnouncementList()
			s.scheduleRefresh(0)
		}
		return
	}

	s.pubLog(serverlog.LevelInfo, "Announcing session at "+apiURL)
	info := s.listingInfo(private)
	ctx := s.ctx

	go func() {
		listing, message, err := s.announcer.Announce(ctx, apiURL, info)
		s.withLock(func() {
			if s.state == StateShutdown {
				if err == nil {
					go s.unlistInBackground(listing)
				}
				return
			}
			s.announceFinished(apiURL, listing, message, err)
		})
	}()
}

func (s *Session) announceFinished(apiURL string, listing Listing, message string, err error) {
	if err != nil {
		s.pubLog(serverlog.LevelWarn, apiURL+": announcement failed: "+err.Error())
		s.messageAll(err.Error(), false)
		return
	}
	if message != "" {
		s.pubLog(serverlog.LevelInfo, message)
		s.messageAll(message, false)
	}
	if slices.ContainsFunc(s.listings, func(l Listing) bool { return l.URL == listing.URL }) {
		s.pubLog(serverlog.LevelWarn, "Double announcement at: "+listing.URL)
		return
	}

	s.pubLog(serverlog.LevelInfo, "Announced at: "+listing.URL)
	if !listing.Private {
		s.history.AddAnnouncement(listing.URL)
	}
	s.listings = append(s.listings, listing)
	s.sendUpdatedAnnouncementList()
	s.scheduleRefresh(listing.RefreshInterval)
}

// unlistAnnouncement withdraws the listing at apiURL, or every listing
// for "*". With removeOnly the listing server is not contacted.
func (s *Session) unlistAnnouncement(apiURL string, removeOnly bool) {
	changed := false
	s.listings = slices.DeleteFunc(s.listings, func(l Listing) bool {
		if l.URL != apiURL && apiURL != "*" {
			return false
		}
		if !removeOnly {
			s.pubLog(serverlog.LevelInfo, "Unlisting announcement at "+l.URL)
			go s.unlistInBackground(l)
		}
		// A shut down session keeps its announcements so a restored
		// session lists itself again
		if s.state != StateShutdown {
			s.history.RemoveAnnouncement(l.URL)
		}
		changed = true
		return true
	})

	if changed && s.state != StateShutdown {
		s.sendUpdatedAnnouncementList()
	}
}

func (s *Session) unlistInBackground(l Listing) {
	ctx, cancel := context.WithTimeout(context.Background(), listingRequestTimeout)
	defer cancel()
	if err := s.announcer.Unlist(ctx, l); err != nil {
		s.logger.Printf("Session %s: unlisting at %s failed: %v", s.ID(), l.URL, err)
	}
}

// scheduleRefresh makes sure listings are refreshed within d
func (s *Session) scheduleRefresh(d time.Duration) {
	due := time.Now().Add(d)
	if s.refreshTimer != nil {
		if !s.refreshDue.After(due) {
			return
		}
		s.refreshTimer.Stop()
	}
	s.refreshDue = due
	s.refreshTimer = time.AfterFunc(d, func() {
		s.withLock(s.refreshAnnouncements)
	})
}

func (s *Session) refreshAnnouncements() {
	s.refreshTimer = nil
	s.refreshDue = time.Time{}
	if s.state == StateShutdown || len(s.listings) == 0 {
		return
	}

	next := time.Duration(0)
	for _, l := range s.listings {
		info := s.listingInfo(l.Private)
		next = max(next, l.RefreshInterval)
		ctx := s.ctx

		go func() {
			message, err := s.announcer.Refresh(ctx, l, info)
			s.withLock(func() {
				if s.state == StateShutdown {
					return
				}
				if message != "" {
					s.pubLog(serverlog.LevelInfo, message)
					s.messageAll(message, false)
				}
				if err != nil {
					s.pubLog(serverlog.LevelWarn, l.URL+": announcement refresh failed: "+err.Error())
					s.unlistAnnouncement(l.URL, true)
				}
			})
		}()
	}
	s.scheduleRefresh(next)
}

func (s *Session) announcementList() []map[string]any {
	list := make([]map[string]any, 0, len(s.listings))
	for _, l := range s.listings {
		list = append(list, map[string]any{
			"url":      l.URL,
			"roomcode": l.RoomCode,
			"private":  l.Private,
		})
	}
	return list
}

func (s *Session) sendAnnouncementList(c *Client) {
	c.reply(protocol.ReplySessionConf, "", map[string]any{
		"config": map[string]any{"announcements": s.announcementList()},
	})
}

func (s *Session) sendUpdatedAnnouncementList() {
	for _, c := range s.clients {
		s.sendAnnouncementList(c)
	}
}
