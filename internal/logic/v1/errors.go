// Package v1 provides the session lifecycle and ordering business logic for API version 1.
//
// Error Handling:
// The failure taxonomy lives in internal/core/domain so the workflow gateway
// can produce the same kinds. This package re-exports the sentinels so
// handlers depend on logic only. Errors are wrapped with context using
// fmt.Errorf("%w") when returned from business logic methods.
//
// Example Usage:
//
//	sess, err := s.sessions.Get(ctx, id)
//	if err != nil {
//	    return nil, fmt.Errorf("add items: %w", err)
//	}
//
// Error Checking (in handlers):
//
//	switch {
//	case errors.Is(err, logicv1.ErrNotFound), errors.Is(err, logicv1.ErrExpired):
//	    c.JSON(http.StatusNotFound, gin.H{"error": "Session not found or expired"})
//	case errors.Is(err, logicv1.ErrCircuitOpen):
//	    c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
//	default:
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
//	}
package v1

import "github.com/matr1xp/ubereats-mcp-server/internal/core/domain"

// Sentinel errors for session and ordering operations.
var (
	// ErrNotFound indicates the session does not exist.
	// HTTP Status: 404 Not Found
	ErrNotFound = domain.ErrNotFound

	// ErrExpired indicates the session deadline passed; the record was deleted.
	// HTTP Status: 404 Not Found
	ErrExpired = domain.ErrExpired

	// ErrAuthentication indicates a failed login, or a session not in ACTIVE state.
	// HTTP Status: 401 Unauthorized
	ErrAuthentication = domain.ErrAuthentication

	// ErrCapacityExceeded indicates the live-session ceiling has been reached.
	// HTTP Status: 503 Service Unavailable
	ErrCapacityExceeded = domain.ErrCapacityExceeded

	// ErrExternalService indicates the workflow engine failed, timed out or reported an error.
	// HTTP Status: 502 Bad Gateway
	ErrExternalService = domain.ErrExternalService

	// ErrCircuitOpen indicates the workflow endpoint is failing fast.
	// HTTP Status: 503 Service Unavailable
	ErrCircuitOpen = domain.ErrCircuitOpen

	// ErrInvalidToken indicates the session token is malformed, tampered or expired.
	// HTTP Status: 401 Unauthorized
	ErrInvalidToken = domain.ErrInvalidToken
)
