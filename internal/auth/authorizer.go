package auth

import "context"

// AllowAll grants every verified user read and write access to every graph.
// Used with AUTHZ_MODE=open.
type AllowAll struct{}

func (AllowAll) CanAccess(ctx context.Context, userID, graphID string) (bool, error) {
	return true, nil
}

func (AllowAll) CanEdit(ctx context.Context, userID, graphID string) (bool, error) {
	return true, nil
}
