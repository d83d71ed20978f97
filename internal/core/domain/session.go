package domain

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a stored session.
type SessionState string

const (
	// StateActive sessions may be used for cart, address and checkout operations.
	StateActive SessionState = "ACTIVE"
	// StateManualLoginPending sessions wait for a human to finish authenticating.
	StateManualLoginPending SessionState = "MANUAL_LOGIN_PENDING"
	// StateExpired is derived at read time; it is never written to the store.
	StateExpired SessionState = "EXPIRED"
	// StateInvalid describes tokens that failed verification, not stored sessions.
	StateInvalid SessionState = "INVALID"
)

// Valid reports whether s is a state a session may be created in.
func (s SessionState) Valid() bool {
	return s == StateActive || s == StateManualLoginPending
}

// StringMap is an opaque string-keyed map merged key by key.
type StringMap map[string]string

// Merge returns the right-biased union of m and other: keys in other
// overwrite keys in m, keys only in m are kept. Neither input is modified.
func (m StringMap) Merge(other StringMap) StringMap {
	out := make(StringMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// AuthTokens is the access/refresh/id token triple captured from the browser.
type AuthTokens struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
}

// Merge overwrites each token present in other.
func (t AuthTokens) Merge(other AuthTokens) AuthTokens {
	if other.AccessToken != "" {
		t.AccessToken = other.AccessToken
	}
	if other.RefreshToken != "" {
		t.RefreshToken = other.RefreshToken
	}
	if other.IDToken != "" {
		t.IDToken = other.IDToken
	}
	return t
}

// IsZero reports whether no token has been captured yet.
func (t AuthTokens) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == "" && t.IDToken == ""
}

// CarriedState is the browser-continuity payload forwarded verbatim to the
// workflow engine. It is stored and merged, never interpreted.
type CarriedState struct {
	Cookies         StringMap       `json:"cookies"`
	Tokens          AuthTokens      `json:"tokens"`
	SessionStorage  StringMap       `json:"sessionStorage"`
	LocalStorage    StringMap       `json:"localStorage"`
	StorageSnapshot json.RawMessage `json:"storageSnapshot,omitempty"`
}

// NewCarriedState returns a carried state with empty, non-nil containers.
func NewCarriedState() CarriedState {
	return CarriedState{
		Cookies:        StringMap{},
		SessionStorage: StringMap{},
		LocalStorage:   StringMap{},
	}
}

// Merge applies other on top of c. Maps merge key by key, tokens merge
// field by field, and a supplied snapshot replaces the stored one.
func (c CarriedState) Merge(other CarriedState) CarriedState {
	out := CarriedState{
		Cookies:         c.Cookies.Merge(other.Cookies),
		Tokens:          c.Tokens.Merge(other.Tokens),
		SessionStorage:  c.SessionStorage.Merge(other.SessionStorage),
		LocalStorage:    c.LocalStorage.Merge(other.LocalStorage),
		StorageSnapshot: c.StorageSnapshot,
	}
	if len(other.StorageSnapshot) > 0 {
		out.StorageSnapshot = append(json.RawMessage(nil), other.StorageSnapshot...)
	}
	return out
}

// HasAuthData reports whether authentication material has been captured.
func (c CarriedState) HasAuthData() bool {
	return len(c.Cookies) > 0 || !c.Tokens.IsZero()
}

// SessionMetadata is client context captured at creation and never changed.
type SessionMetadata struct {
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Session is one user's ordering-flow continuity record.
type Session struct {
	ID               string           `json:"id"`
	Owner            string           `json:"owner"`
	State            SessionState     `json:"state"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	ExpiresAt        time.Time        `json:"expiresAt"`
	LoginCompletedAt *time.Time       `json:"loginCompletedAt,omitempty"`
	Carried          CarriedState     `json:"carriedState"`
	Metadata         *SessionMetadata `json:"metadata,omitempty"`
}

// IsExpired reports whether the session deadline has passed at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before the deadline, zero or negative when expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// SessionUpdate is a partial mutation. Nil fields are left untouched;
// map fields are merged into the stored maps rather than replacing them.
type SessionUpdate struct {
	State            *SessionState
	LoginCompletedAt *time.Time
	Carried          CarriedState
}

// IsEmpty reports whether the update would change nothing but updatedAt.
func (u SessionUpdate) IsEmpty() bool {
	return u.State == nil && u.LoginCompletedAt == nil &&
		len(u.Carried.Cookies) == 0 && u.Carried.Tokens.IsZero() &&
		len(u.Carried.SessionStorage) == 0 && len(u.Carried.LocalStorage) == 0 &&
		len(u.Carried.StorageSnapshot) == 0
}

// StatePtr is a convenience for building SessionUpdate values.
func StatePtr(s SessionState) *SessionState {
	return &s
}
