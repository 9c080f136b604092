package domain

import (
	"context"
	"errors"
)

// Error taxonomy. Adapters wrap these with goerr to attach context, so callers classify with errors.Is.
var (
	// ErrAuth means the access or refresh credential was rejected.
	ErrAuth = errors.New("auth error")
	// ErrPermission means the connection lacks the scope or consent for the call.
	ErrPermission = errors.New("permission error")
	// ErrNoData means the provider has nothing for the requested day.
	ErrNoData = errors.New("no data")
	// ErrTransient covers rate limits, server errors and transport failures.
	ErrTransient = errors.New("transient error")
	// ErrProtocol means the provider answered with something we cannot interpret.
	ErrProtocol = errors.New("protocol error")
	// ErrPersistence means a storage write or read failed.
	ErrPersistence = errors.New("persistence error")

	ErrSyncRunning         = errors.New("sync already running")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrInvalidRange        = errors.New("invalid date range")
	ErrOverlappingSessions = errors.New("overlapping sleep sessions")
)

// KindOf maps err to a short classification used in day outcomes and metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "unknown"
}
