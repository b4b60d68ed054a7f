package history

import (
	"strings"
	"time"
)

// BanEntry is one session ban
type BanEntry struct {
	ID        int       `cbor:"id"`
	Username  string    `cbor:"username"`
	IP        string    `cbor:"ip,omitempty"`
	ExtAuthID string    `cbor:"extAuthId,omitempty"`
	BannedBy  string    `cbor:"bannedBy"`
	Time      time.Time `cbor:"time"`
}

// BanList holds the bans of one session. Bans match by IP address or
// by external auth id, never by username.
type BanList struct {
	entries []BanEntry
	lastID  int
}

// Add bans a user and returns the new entry id. Returns 0 if the address
// or auth id is already banned.
func (b *BanList) Add(username, ip, extAuthID, bannedBy string, now time.Time) int {
	if b.IsBanned(ip, extAuthID) {
		return 0
	}
	b.lastID++
	b.entries = append(b.entries, BanEntry{
		ID:        b.lastID,
		Username:  username,
		IP:        ip,
		ExtAuthID: extAuthID,
		BannedBy:  bannedBy,
		Time:      now,
	})
	return b.lastID
}

// Remove lifts a ban and returns the banned username
func (b *BanList) Remove(id int) (string, bool) {
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e.Username, true
		}
	}
	return "", false
}

// IsBanned checks an address and an auth id. Empty values never match.
func (b *BanList) IsBanned(ip, extAuthID string) bool {
	for _, e := range b.entries {
		if ip != "" && e.IP == ip {
			return true
		}
		if extAuthID != "" && strings.EqualFold(e.ExtAuthID, extAuthID) {
			return true
		}
	}
	return false
}

// Entries returns a copy of the ban list
func (b *BanList) Entries() []BanEntry {
	return append([]BanEntry(nil), b.entries...)
}

// JSON returns the ban list in its client facing form. IP addresses are
// only included when showIP is set.
func (b *BanList) JSON(showIP bool) []map[string]any {
	out := make([]map[string]any, 0, len(b.entries))
	for _, e := range b.entries {
		entry := map[string]any{
			"id":       e.ID,
			"username": e.Username,
			"bannedBy": e.BannedBy,
		}
		if showIP {
			entry["ip"] = e.IP
		}
		out = append(out, entry)
	}
	return out
}

func (b *BanList) restore(entries []BanEntry) {
	b.entries = append([]BanEntry(nil), entries...)
	for _, e := range entries {
		if e.ID > b.lastID {
			b.lastID = e.ID
		}
	}
}
