package chatsync

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Lookup is one identity source. Implementations must be safe for
// concurrent use.
type Lookup interface {
	Lookup(membershipID string) (Identity, bool)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(membershipID string) (Identity, bool)

func (f LookupFunc) Lookup(membershipID string) (Identity, bool) { return f(membershipID) }

// ============================================================================
// Caches
// ============================================================================

// ParticipantCache is the global membership id → identity map.
type ParticipantCache struct {
	mu      sync.RWMutex
	records map[string]Identity
}

func NewParticipantCache() *ParticipantCache {
	return &ParticipantCache{records: make(map[string]Identity)}
}

// Merge adds or replaces records.
func (c *ParticipantCache) Merge(records map[string]Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range records {
		c.records[id] = rec
	}
}

func (c *ParticipantCache) Lookup(membershipID string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[membershipID]
	return rec, ok
}

// PharmacyCaches holds one member cache per pharmacy. Probing walks the
// pharmacies in ascending id order so the first match is deterministic.
type PharmacyCaches struct {
	mu    sync.RWMutex
	byPh  map[string]map[string]Identity
	order []string
}

func NewPharmacyCaches() *PharmacyCaches {
	return &PharmacyCaches{byPh: make(map[string]map[string]Identity)}
}

// Put replaces the member cache of one pharmacy.
func (c *PharmacyCaches) Put(pharmacyID string, members map[string]Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byPh[pharmacyID]; !ok {
		c.order = append(c.order, pharmacyID)
		sort.Strings(c.order)
	}
	cp := make(map[string]Identity, len(members))
	for k, v := range members {
		cp[k] = v
	}
	c.byPh[pharmacyID] = cp
}

// Has reports whether the pharmacy's members were loaded.
func (c *PharmacyCaches) Has(pharmacyID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byPh[pharmacyID]
	return ok
}

func (c *PharmacyCaches) Lookup(membershipID string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ph := range c.order {
		if rec, ok := c.byPh[ph][membershipID]; ok {
			return rec, true
		}
	}
	return Identity{}, false
}

// MessageSnapshots falls back to the sender snapshot embedded in an already
// loaded message of the active room. It covers memberships deleted
// server-side whose history must stay displayable.
type MessageSnapshots struct {
	messages *MessageStore
	active   func() string
}

func (m MessageSnapshots) Lookup(membershipID string) (Identity, bool) {
	roomID := m.active()
	if roomID == "" {
		return Identity{}, false
	}
	var found Identity
	ok := false
	m.messages.each(roomID, func(msg *Message) bool {
		if msg.Sender.MembershipID == membershipID {
			found, ok = msg.Sender.Identity, true
			return false
		}
		return true
	})
	return found, ok
}

// ============================================================================
// Resolver
// ============================================================================

const (
	placeholderDirect = "Direct Message"
	placeholderGroup  = "Group Chat"
	placeholderInit   = "?"
)

// Resolver maps membership ids to identities by trying its lookups in order.
// It never fails; with no hit, Display degrades to a placeholder.
type Resolver struct {
	lookups []Lookup
}

func NewResolver(lookups ...Lookup) *Resolver {
	return &Resolver{lookups: lookups}
}

// Resolve returns the first hit across the lookup chain.
func (r *Resolver) Resolve(membershipID string) (Identity, bool) {
	if membershipID == "" {
		return Identity{}, false
	}
	for _, l := range r.lookups {
		if rec, ok := l.Lookup(membershipID); ok {
			return rec, true
		}
	}
	return Identity{}, false
}

// Display resolves membershipID or returns the placeholder for kind.
func (r *Resolver) Display(membershipID string, kind RoomKind) Identity {
	if rec, ok := r.Resolve(membershipID); ok {
		return rec
	}
	if kind == RoomDirect {
		return Identity{FirstName: placeholderDirect}
	}
	return Identity{FirstName: placeholderGroup}
}

// RoomTitle is the display name of a room for the given viewer: the title of
// a group, or the other participant's name in a direct room.
func (r *Resolver) RoomTitle(room *Room, viewer string) string {
	if room.Kind != RoomDirect {
		if room.Title != "" {
			return room.Title
		}
		return placeholderGroup
	}
	for _, p := range room.Participants {
		if p == viewer {
			continue
		}
		if name := r.Display(p, RoomDirect).DisplayName(); name != "" {
			return name
		}
	}
	if room.Title != "" {
		return room.Title
	}
	return placeholderDirect
}

// Initials returns up to two uppercase initials, or "?".
func Initials(id Identity) string {
	var b strings.Builder
	for _, part := range []string{id.FirstName, id.LastName} {
		part = strings.TrimSpace(part)
		if part == "" || part == placeholderDirect || part == placeholderGroup {
			continue
		}
		r, _ := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
	}
	if b.Len() == 0 {
		return placeholderInit
	}
	return b.String()
}
