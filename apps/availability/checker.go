// Package availability answers whether agents are free for a time slot
// based on their scheduled calls and meetings.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/models"
	"gorm.io/gorm"
)

// Kinds of calendar items
const (
	KindCall    = "call"
	KindMeeting = "meeting"
)

// Config holds the durations applied to items that carry none
type Config struct {
	DefaultCallMinutes    int
	DefaultMeetingMinutes int
}

// DefaultConfig is used for zero values
var DefaultConfig = Config{
	DefaultCallMinutes:    15,
	DefaultMeetingMinutes: 30,
}

// ItemRef points at one call or meeting, used to skip the item being
// rescheduled
type ItemRef struct {
	Kind string `json:"kind"`
	ID   uint   `json:"id"`
}

// Busy is a calendar item occupying an agent
type Busy struct {
	ItemRef
	AgentID uuid.UUID `json:"agent_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Checker reads schedules. It never writes.
type Checker struct {
	db     *gorm.DB
	config Config
}

func NewChecker(conn *gorm.DB, config Config) *Checker {
	if config.DefaultCallMinutes <= 0 {
		config.DefaultCallMinutes = DefaultConfig.DefaultCallMinutes
	}
	if config.DefaultMeetingMinutes <= 0 {
		config.DefaultMeetingMinutes = DefaultConfig.DefaultMeetingMinutes
	}
	return &Checker{db: conn, config: config}
}

// WithTx returns a checker reading through tx
func (c *Checker) WithTx(tx *gorm.DB) *Checker {
	return &Checker{db: tx, config: c.config}
}

// Config returns the effective configuration
func (c *Checker) Config() Config {
	return c.config
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// IsAgentFree reports whether the agent has no scheduled item overlapping
// [start, start+duration). durationMinutes <= 0 uses the call default.
func (c *Checker) IsAgentFree(ctx context.Context, agentID uuid.UUID, tenantID uint, start time.Time, durationMinutes int, exclude *ItemRef) (bool, error) {
	conflicts, err := c.Conflicts(ctx, agentID, tenantID, start, durationMinutes, exclude)
	if err != nil {
		return false, err
	}
	return len(conflicts) == 0, nil
}

// Conflicts lists the items of one agent overlapping the slot
func (c *Checker) Conflicts(ctx context.Context, agentID uuid.UUID, tenantID uint, start time.Time, durationMinutes int, exclude *ItemRef) ([]Busy, error) {
	agent := agentID
	items, err := c.busy(ctx, tenantID, &agent, start, durationMinutes)
	if err != nil {
		return nil, err
	}
	if exclude == nil {
		return items, nil
	}
	out := items[:0]
	for _, item := range items {
		if item.ItemRef != *exclude {
			out = append(out, item)
		}
	}
	return out, nil
}

// BusyAgents returns every agent of the tenant with an item overlapping the slot
func (c *Checker) BusyAgents(ctx context.Context, tenantID uint, start time.Time, durationMinutes int) (map[uuid.UUID]bool, error) {
	items, err := c.busy(ctx, tenantID, nil, start, durationMinutes)
	if err != nil {
		return nil, err
	}
	agents := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		agents[item.AgentID] = true
	}
	return agents, nil
}

func (c *Checker) busy(ctx context.Context, tenantID uint, agentID *uuid.UUID, start time.Time, durationMinutes int) ([]Busy, error) {
	if durationMinutes <= 0 {
		durationMinutes = c.config.DefaultCallMinutes
	}
	start = start.UTC()
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	conn := c.db.WithContext(ctx)

	lookback, err := c.lookback(conn, tenantID, agentID, end)
	if err != nil {
		return nil, err
	}
	from := start.Add(-time.Duration(lookback) * time.Minute)

	var calls []models.ScheduledCall
	query := conn.Where("tenant_id = ? AND status = ? AND start_at >= ? AND start_at < ?",
		tenantID, models.ScheduleStatusScheduled, from, end)
	if agentID != nil {
		query = query.Where("agent_id = ?", *agentID)
	}
	if err := query.Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to load calls: %w", err)
	}

	var meetings []models.ScheduledMeeting
	query = conn.Where("tenant_id = ? AND status = ? AND start_at >= ? AND start_at < ?",
		tenantID, models.ScheduleStatusScheduled, from, end)
	if agentID != nil {
		query = query.Where("agent_id = ?", *agentID)
	}
	if err := query.Find(&meetings).Error; err != nil {
		return nil, fmt.Errorf("failed to load meetings: %w", err)
	}

	var items []Busy
	for _, call := range calls {
		minutes := call.DurationMinutes
		if minutes <= 0 {
			minutes = c.config.DefaultCallMinutes
		}
		itemStart := call.StartAt.UTC()
		itemEnd := itemStart.Add(time.Duration(minutes) * time.Minute)
		if Overlaps(start, end, itemStart, itemEnd) {
			items = append(items, Busy{ItemRef: ItemRef{Kind: KindCall, ID: call.ID}, AgentID: call.AgentID, Start: itemStart, End: itemEnd})
		}
	}
	for _, meeting := range meetings {
		minutes := meeting.DurationMinutes
		if minutes <= 0 {
			minutes = c.config.DefaultMeetingMinutes
		}
		itemStart := meeting.StartAt.UTC()
		itemEnd := itemStart.Add(time.Duration(minutes) * time.Minute)
		if Overlaps(start, end, itemStart, itemEnd) {
			items = append(items, Busy{ItemRef: ItemRef{Kind: KindMeeting, ID: meeting.ID}, AgentID: meeting.AgentID, Start: itemStart, End: itemEnd})
		}
	}
	return items, nil
}

// lookback is the longest duration any scheduled item starting before end
// can have, so every item still running at the slot start is loaded
func (c *Checker) lookback(conn *gorm.DB, tenantID uint, agentID *uuid.UUID, end time.Time) (int, error) {
	longest := c.config.DefaultCallMinutes
	if c.config.DefaultMeetingMinutes > longest {
		longest = c.config.DefaultMeetingMinutes
	}
	for _, model := range []interface{}{&models.ScheduledCall{}, &models.ScheduledMeeting{}} {
		var minutes int
		query := conn.Model(model).Where("tenant_id = ? AND status = ? AND start_at < ?", tenantID, models.ScheduleStatusScheduled, end)
		if agentID != nil {
			query = query.Where("agent_id = ?", *agentID)
		}
		if err := query.Select("COALESCE(MAX(duration_minutes), 0)").Scan(&minutes).Error; err != nil {
			return 0, fmt.Errorf("failed to load longest item: %w", err)
		}
		if minutes > longest {
			longest = minutes
		}
	}
	return longest, nil
}
