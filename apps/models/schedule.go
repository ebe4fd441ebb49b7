package models

import (
	"time"

	"github.com/getevo/restify"
	"github.com/google/uuid"
)

// Schedule item statuses
const (
	ScheduleStatusScheduled = "scheduled"
	ScheduleStatusDone      = "done"
	ScheduleStatusCancelled = "cancelled"
)

// ScheduledCall is a call an agent owes a contact. A zero duration means
// the default call length.
type ScheduledCall struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	TenantID        uint      `gorm:"column:tenant_id;not null;index:idx_call_agent,priority:1" json:"tenant_id"`
	AgentID         uuid.UUID `gorm:"column:agent_id;type:char(36);not null;index:idx_call_agent,priority:2" json:"agent_id"`
	ConversationID  *uint     `gorm:"column:conversation_id;index" json:"conversation_id,omitempty"`
	StartAt         time.Time `gorm:"column:start_at;not null" json:"start_at"`
	DurationMinutes int       `gorm:"column:duration_minutes;not null;default:0" json:"duration_minutes"`
	Status          string    `gorm:"column:status;size:16;not null;default:'scheduled';index:idx_call_agent,priority:3" json:"status"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`

	restify.API `json:"-"`
}

func (ScheduledCall) TableName() string {
	return "scheduled_calls"
}

// ScheduledMeeting is a meeting on an agent's calendar
type ScheduledMeeting struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	TenantID        uint      `gorm:"column:tenant_id;not null;index:idx_meeting_agent,priority:1" json:"tenant_id"`
	AgentID         uuid.UUID `gorm:"column:agent_id;type:char(36);not null;index:idx_meeting_agent,priority:2" json:"agent_id"`
	Title           string    `gorm:"column:title;size:255" json:"title"`
	StartAt         time.Time `gorm:"column:start_at;not null" json:"start_at"`
	DurationMinutes int       `gorm:"column:duration_minutes;not null;default:0" json:"duration_minutes"`
	Status          string    `gorm:"column:status;size:16;not null;default:'scheduled';index:idx_meeting_agent,priority:3" json:"status"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`

	restify.API `json:"-"`
}

func (ScheduledMeeting) TableName() string {
	return "scheduled_meetings"
}
