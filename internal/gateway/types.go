package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

// Status is the outcome reported by the workflow engine.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusError              Status = "error"
	StatusManualLoginStarted Status = "manual_login_started"
	StatusLoginIncomplete    Status = "login_incomplete"
)

// Request is one outbound call. Fields holds the endpoint-specific payload,
// which is passed through untouched.
type Request struct {
	Endpoint  Endpoint
	SessionID string
	// ManualLogin selects the short manual-login timeout budget; a timeout
	// then means the engine accepted the manual flow.
	ManualLogin bool
	Carried     *domain.CarriedState
	Fields      map[string]any
}

// Response is the decoded engine reply. Fields keeps every key other than
// the carried-state ones, verbatim.
type Response struct {
	Status          Status             `json:"status"`
	Message         string             `json:"message,omitempty"`
	Cookies         domain.StringMap   `json:"cookies,omitempty"`
	Tokens          *domain.AuthTokens `json:"tokens,omitempty"`
	SessionStorage  domain.StringMap   `json:"sessionStorage,omitempty"`
	LocalStorage    domain.StringMap   `json:"localStorage,omitempty"`
	StorageSnapshot json.RawMessage    `json:"storageSnapshot,omitempty"`

	Fields map[string]json.RawMessage `json:"-"`
}

var reservedResponseKeys = map[string]struct{}{
	"status": {}, "message": {}, "cookies": {}, "tokens": {},
	"sessionStorage": {}, "localStorage": {}, "storageSnapshot": {},
}

// UnmarshalJSON decodes the known keys and collects the rest into Fields.
func (r *Response) UnmarshalJSON(data []byte) error {
	type plain Response
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*r = Response(known)
	for k, v := range all {
		if _, ok := reservedResponseKeys[k]; ok {
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]json.RawMessage)
		}
		r.Fields[k] = v
	}
	if r.Status == "" {
		r.Status = StatusSuccess
	}
	return nil
}

// CarriedState returns the browser state reported in the response.
func (r *Response) CarriedState() domain.CarriedState {
	cs := domain.CarriedState{
		Cookies:         r.Cookies,
		SessionStorage:  r.SessionStorage,
		LocalStorage:    r.LocalStorage,
		StorageSnapshot: r.StorageSnapshot,
	}
	if r.Tokens != nil {
		cs.Tokens = *r.Tokens
	}
	return cs
}

// Field decodes the endpoint-specific field key into v.
// It reports false when the field is absent.
func (r *Response) Field(key string, v any) (bool, error) {
	raw, ok := r.Fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", key, err)
	}
	return true, nil
}
