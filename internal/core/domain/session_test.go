package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringMap_MergeIsRightBiasedUnion(t *testing.T) {
	base := StringMap{"b": "2", "shared": "old"}
	patch := StringMap{"a": "1", "shared": "new"}

	merged := base.Merge(patch)

	assert.Equal(t, StringMap{"a": "1", "b": "2", "shared": "new"}, merged)
	assert.Equal(t, "old", base["shared"], "receiver must not be modified")
}

func TestStringMap_MergeNil(t *testing.T) {
	var base StringMap
	merged := base.Merge(nil)
	require.NotNil(t, merged)
	assert.Empty(t, merged)
}

func TestCarriedState_Merge(t *testing.T) {
	current := NewCarriedState()
	current.Cookies["b"] = "2"
	current.Tokens = AuthTokens{AccessToken: "a1", RefreshToken: "r1"}
	current.StorageSnapshot = json.RawMessage(`{"v":1}`)

	merged := current.Merge(CarriedState{
		Cookies:      StringMap{"a": "1"},
		Tokens:       AuthTokens{AccessToken: "a2", IDToken: "i2"},
		LocalStorage: StringMap{"cart": "x"},
	})

	assert.Equal(t, StringMap{"a": "1", "b": "2"}, merged.Cookies)
	assert.Equal(t, AuthTokens{AccessToken: "a2", RefreshToken: "r1", IDToken: "i2"}, merged.Tokens)
	assert.Equal(t, StringMap{"cart": "x"}, merged.LocalStorage)
	assert.JSONEq(t, `{"v":1}`, string(merged.StorageSnapshot), "snapshot kept when not supplied")

	replaced := merged.Merge(CarriedState{StorageSnapshot: json.RawMessage(`{"v":2}`)})
	assert.JSONEq(t, `{"v":2}`, string(replaced.StorageSnapshot))
}

func TestCarriedState_HasAuthData(t *testing.T) {
	assert.False(t, NewCarriedState().HasAuthData())
	assert.True(t, CarriedState{Cookies: StringMap{"sid": "x"}}.HasAuthData())
	assert.True(t, CarriedState{Tokens: AuthTokens{IDToken: "x"}}.HasAuthData())
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, s.IsExpired(now))
	assert.True(t, s.IsExpired(now.Add(time.Minute)))
	assert.Equal(t, time.Minute, s.Remaining(now))
}

func TestSessionUpdate_IsEmpty(t *testing.T) {
	assert.True(t, SessionUpdate{}.IsEmpty())
	assert.False(t, SessionUpdate{State: StatePtr(StateActive)}.IsEmpty())
	assert.False(t, SessionUpdate{Carried: CarriedState{Cookies: StringMap{"a": "1"}}}.IsEmpty())
}

func TestError_KindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		sentinel error
	}{
		{"not found", NotFound("get session", "s1"), KindNotFound, ErrNotFound},
		{"expired", Expired("get session", "s1"), KindExpired, ErrExpired},
		{"auth", Authentication("add items", "s1", "login required"), KindAuthentication, ErrAuthentication},
		{"capacity", CapacityExceeded("create session", 3), KindCapacityExceeded, ErrCapacityExceeded},
		{"circuit", CircuitOpen("checkout"), KindCircuitOpen, ErrCircuitOpen},
		{"external", ExternalService("checkout", 502, "bad gateway", nil), KindExternalService, ErrExternalService},
		{"token", InvalidToken(errors.New("bad signature")), KindInvalidToken, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))

			var derr *Error
			require.ErrorAs(t, wrapped, &derr)
			assert.Equal(t, tt.kind, derr.Kind)
		})
	}
}

func TestError_ContextAndMessages(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalService("add-items", 503, "busy", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "endpoint add-items")
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, "external service error", UserMessage(err))
	assert.Equal(t, "service temporarily unavailable, try again later", UserMessage(CircuitOpen("login")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal error", UserMessage(errors.New("boom")))
	assert.Equal(t, "circuit_breaker_error", KindCircuitOpen.String())
}
