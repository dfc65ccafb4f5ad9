package collaboration

import (
	"context"

	"graph-sync/internal/models"
)

// Collaborators consumed by the sync engine. Interfaces live here, where they
// are used; implementations in auth and repository do not know about them.

// IdentityVerifier turns an opaque token into a verified user id
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Authorizer decides graph access for a verified user
type Authorizer interface {
	CanAccess(ctx context.Context, userID, graphID string) (bool, error)
}

// EditAuthorizer is optionally implemented by an Authorizer that
// distinguishes read-only access. Without it every reader may edit.
type EditAuthorizer interface {
	CanEdit(ctx context.Context, userID, graphID string) (bool, error)
}

// ReconnectTokens issues and checks the resume token handed out in connection_ack
type ReconnectTokens interface {
	Issue(userID, graphID, sessionID string) (string, error)
	Resume(token, graphID string) (string, error)
}

// OperationSink is the durable, append-only store the version log writes through to
type OperationSink interface {
	Append(ctx context.Context, graphID string, op *models.Operation) error
	LoadGraph(ctx context.Context, graphID string) ([]*models.Operation, error)
}
