package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Release history reasons
const (
	ReleaseReasonManualAssign = "manual_assign"
	ReleaseReasonReassign     = "reassign"
	ReleaseReasonDistribute   = "distribute"
	ReleaseReasonUnassign     = "unassign"
	ReleaseReasonRelease      = "release"
)

// ReleaseHistoryEntry is the append-only audit of assignment changes
type ReleaseHistoryEntry struct {
	ID             uint           `gorm:"column:id;primaryKey" json:"id"`
	TenantID       uint           `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	ConversationID uint           `gorm:"column:conversation_id;not null;index" json:"conversation_id"`
	FromAgentID    *uuid.UUID     `gorm:"column:from_agent_id;type:char(36)" json:"from_agent_id"`
	ToAgentID      *uuid.UUID     `gorm:"column:to_agent_id;type:char(36);index" json:"to_agent_id"`
	ActorID        *uuid.UUID     `gorm:"column:actor_id;type:char(36)" json:"actor_id,omitempty"`
	Reason         string         `gorm:"column:reason;size:32;not null" json:"reason"`
	Note           string         `gorm:"column:note;size:500" json:"note,omitempty"`
	Meta           datatypes.JSON `gorm:"column:meta;type:json" json:"meta,omitempty"`
	At             time.Time      `gorm:"column:at;not null;index" json:"at"`
}

func (ReleaseHistoryEntry) TableName() string {
	return "release_history"
}
