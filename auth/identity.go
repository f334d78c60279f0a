package auth

import (
	"slices"
	"strings"
)

// Well-known permission scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// Identity is the authenticated principal bound to a session. It is immutable
// once constructed and safe to share between goroutines.
type Identity struct {
	userID string
	email  string
	role   string
	scopes []string
}

// NewIdentity builds an Identity. Scopes are de-duplicated and sorted.
func NewIdentity(userID, email, role string, scopes ...string) *Identity {
	set := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(set, s) {
			continue
		}
		set = append(set, s)
	}
	slices.Sort(set)
	return &Identity{userID: userID, email: email, role: role, scopes: set}
}

// Clone returns a distinct Identity with the same contents. Store releases
// compare by pointer, so each session binds its own copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.scopes = slices.Clone(i.scopes)
	return &c
}

func (i *Identity) UserID() string { return i.userID }
func (i *Identity) Email() string  { return i.email }
func (i *Identity) Role() string   { return i.role }

// Scopes returns a copy of the granted scopes.
func (i *Identity) Scopes() []string {
	return append([]string(nil), i.scopes...)
}

// HasScope reports whether scope was granted. The admin scope grants every
// scope; an empty scope is always satisfied.
func (i *Identity) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	if scope == "" {
		return true
	}
	return slices.Contains(i.scopes, scope) || slices.Contains(i.scopes, ScopeAdmin)
}

// SameUser reports whether both identities belong to the same user.
func (i *Identity) SameUser(other *Identity) bool {
	if i == nil || other == nil {
		return false
	}
	return i.userID == other.userID
}
