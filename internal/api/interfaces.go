package api

import (
	"context"

	"graph-sync/internal/models"
	"graph-sync/internal/services/collaboration"
)

/*
CONSUMER-DRIVEN INTERFACES

The handlers are the consumer, so the interfaces they need live here. The
collaboration package implements them without knowing this package exists,
and handler tests can swap in small fakes.
*/

// SyncService is what the HTTP catch-up and presence endpoints need
type SyncService interface {
	CatchUp(ctx context.Context, graphID string, since int64) (*collaboration.CatchUpResult, error)
	Presence(graphID string) []*models.PresenceRecord
}

// Authenticator checks a bearer token and graph access for HTTP requests
type Authenticator interface {
	Authenticate(ctx context.Context, token, graphID string) (string, error)
}

// SessionCounter reports live connections for the health endpoint
type SessionCounter interface {
	SessionCount(graphID string) int
}
