package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// GraphRole grants read or read/write access to a graph
type GraphRole string

const (
	RoleViewer GraphRole = "viewer"
	RoleEditor GraphRole = "editor"
	RoleOwner  GraphRole = "owner"
)

// CanEdit reports whether the role may submit operations.
func (r GraphRole) CanEdit() bool {
	return r == RoleEditor || r == RoleOwner
}

// GraphMember grants a user access to a graph
type GraphMember struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	GraphID   string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_graph_member" json:"graph_id"`
	UserID    string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_graph_member;index" json:"user_id"`
	Role      GraphRole `gorm:"type:varchar(16);not null;default:'viewer'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates KSUID
func (m *GraphMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (GraphMember) TableName() string {
	return "graph_members"
}
