package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Live session close reasons
const (
	SessionCloseOffline    = "offline"
	SessionCloseDisconnect = "disconnect"
	SessionCloseStale      = "stale"
)

// LiveSession spans one online period of a user. A user is online while
// an unclosed session exists.
type LiveSession struct {
	ID          uint           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID    uint           `gorm:"column:tenant_id;not null;index:idx_live_session_open,priority:1" json:"tenant_id"`
	UserID      uuid.UUID      `gorm:"column:user_id;type:char(36);not null;index:idx_live_session_open,priority:2" json:"user_id"`
	IPAddress   string         `gorm:"column:ip_address;size:45" json:"ip_address,omitempty"`
	UserAgent   string         `gorm:"column:user_agent;size:500" json:"user_agent,omitempty"`
	DeviceInfo  datatypes.JSON `gorm:"column:device_info;type:json" json:"device_info,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	LastSeenAt  time.Time      `gorm:"column:last_seen_at;not null;index" json:"last_seen_at"`
	ClosedAt    *time.Time     `gorm:"column:closed_at;index:idx_live_session_open,priority:3" json:"closed_at,omitempty"`
	CloseReason string         `gorm:"column:close_reason;size:16" json:"close_reason,omitempty"`
}

func (LiveSession) TableName() string {
	return "live_sessions"
}

// Duration is measured up to now for sessions that are still open
func (s LiveSession) Duration(now time.Time) time.Duration {
	end := now
	if s.ClosedAt != nil {
		end = *s.ClosedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}
