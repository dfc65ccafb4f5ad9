package repository

import (
	"context"
	"errors"
	"fmt"

	"graph-sync/internal/models"

	"gorm.io/gorm"
)

// GraphMemberRepositoryImpl answers graph access questions from graph_members.
// It is the authorization collaborator when AUTHZ_MODE=members.
type GraphMemberRepositoryImpl struct {
	db *gorm.DB
}

// NewGraphMemberRepository creates a new graph member repository
func NewGraphMemberRepository(db *gorm.DB) *GraphMemberRepositoryImpl {
	return &GraphMemberRepositoryImpl{db: db}
}

// Role returns the member's role, or "" when the user has no membership
func (r *GraphMemberRepositoryImpl) Role(ctx context.Context, userID, graphID string) (models.GraphRole, error) {
	var member models.GraphMember

	err := r.db.WithContext(ctx).
		Where("graph_id = ? AND user_id = ?", graphID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get graph membership: %w", err)
	}

	return member.Role, nil
}

// CanAccess reports whether the user holds any role on the graph
func (r *GraphMemberRepositoryImpl) CanAccess(ctx context.Context, userID, graphID string) (bool, error) {
	role, err := r.Role(ctx, userID, graphID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// CanEdit reports whether the user may submit operations to the graph
func (r *GraphMemberRepositoryImpl) CanEdit(ctx context.Context, userID, graphID string) (bool, error) {
	role, err := r.Role(ctx, userID, graphID)
	if err != nil {
		return false, err
	}
	return role.CanEdit(), nil
}
