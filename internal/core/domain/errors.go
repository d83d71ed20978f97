// Package domain holds the session model, the failure taxonomy shared by the
// session manager and the workflow gateway, and the persistence contracts
// implemented in internal/core/repository.
//
// Error Handling:
// Every failure the core surfaces belongs to exactly one Kind. Callers test
// the kind with errors.Is against the sentinel errors below, or extract the
// structured context with errors.As:
//
//	var derr *domain.Error
//	if errors.As(err, &derr) && derr.Kind == domain.KindCircuitOpen {
//	    log.Warn().Str("endpoint", derr.Endpoint).Msg("workflow endpoint unhealthy")
//	}
//
//	switch {
//	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrExpired):
//	    c.JSON(http.StatusNotFound, ...)
//	case errors.Is(err, domain.ErrCircuitOpen):
//	    c.JSON(http.StatusServiceUnavailable, ...)
//	}
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindExpired
	KindAuthentication
	KindCapacityExceeded
	KindExternalService
	KindCircuitOpen
	KindInvalidToken
)

var kindNames = [...]string{
	KindInternal:         "internal",
	KindNotFound:         "not_found",
	KindExpired:          "expired",
	KindAuthentication:   "authentication_error",
	KindCapacityExceeded: "capacity_exceeded",
	KindExternalService:  "external_service_error",
	KindCircuitOpen:      "circuit_breaker_error",
	KindInvalidToken:     "invalid_token",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Sentinel errors, one per Kind.
var (
	// ErrNotFound indicates the session (or resource) does not exist.
	// HTTP Status: 404 Not Found
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the session deadline has passed. The record has been deleted.
	// HTTP Status: 404 Not Found
	ErrExpired = errors.New("session expired")

	// ErrAuthentication indicates a failed login, or a session in the wrong state
	// for the requested operation.
	// HTTP Status: 401 Unauthorized
	ErrAuthentication = errors.New("authentication error")

	// ErrCapacityExceeded indicates the live-session ceiling has been reached.
	// HTTP Status: 503 Service Unavailable
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrExternalService indicates a network, timeout or upstream failure
	// talking to the workflow engine.
	// HTTP Status: 502 Bad Gateway
	ErrExternalService = errors.New("external service error")

	// ErrCircuitOpen indicates the endpoint's circuit breaker is failing fast.
	// HTTP Status: 503 Service Unavailable
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidToken indicates a session token failed verification, whatever the cause.
	// HTTP Status: 401 Unauthorized
	ErrInvalidToken = errors.New("invalid token")
)

var sentinels = map[Kind]error{
	KindNotFound:         ErrNotFound,
	KindExpired:          ErrExpired,
	KindAuthentication:   ErrAuthentication,
	KindCapacityExceeded: ErrCapacityExceeded,
	KindExternalService:  ErrExternalService,
	KindCircuitOpen:      ErrCircuitOpen,
	KindInvalidToken:     ErrInvalidToken,
}

// Error is the tagged failure value carrying structured context.
type Error struct {
	Kind       Kind
	Op         string
	SessionID  string
	Endpoint   string
	StatusCode int
	Body       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if s, ok := sentinels[e.Kind]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " (endpoint %s", e.Endpoint)
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, ", status %d", e.StatusCode)
		}
		b.WriteString(")")
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " [session %s]", e.SessionID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// UserMessage returns the message safe to show a caller: the structured
// message when present, otherwise the kind's sentinel text.
func UserMessage(err error) string {
	var derr *Error
	if errors.As(err, &derr) && derr.Message != "" {
		return derr.Message
	}
	if s, ok := sentinels[KindOf(err)]; ok {
		return s.Error()
	}
	return "internal error"
}

func NotFound(op, sessionID string) error {
	return &Error{Kind: KindNotFound, Op: op, SessionID: sessionID}
}

func Expired(op, sessionID string) error {
	return &Error{Kind: KindExpired, Op: op, SessionID: sessionID}
}

func Authentication(op, sessionID, message string) error {
	return &Error{Kind: KindAuthentication, Op: op, SessionID: sessionID, Message: message}
}

func CapacityExceeded(op string, limit int) error {
	return &Error{Kind: KindCapacityExceeded, Op: op, Message: fmt.Sprintf("limit of %d live sessions reached", limit)}
}

func CircuitOpen(endpoint string) error {
	return &Error{Kind: KindCircuitOpen, Op: "workflow call", Endpoint: endpoint,
		Message: "service temporarily unavailable, try again later"}
}

func ExternalService(endpoint string, status int, body string, cause error) error {
	return &Error{Kind: KindExternalService, Op: "workflow call", Endpoint: endpoint,
		StatusCode: status, Body: body, Err: cause}
}

func InvalidToken(cause error) error {
	return &Error{Kind: KindInvalidToken, Op: "verify token", Err: cause}
}
