package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/availability"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/models/testdb"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/iesreza/homa-inbox/lib/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var base = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	conn     *gorm.DB
	engine   *Engine
	presence *sessions.Service
	recorder *events.Recorder
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	conn := testdb.Open(t)
	recorder := &events.Recorder{}
	presence := sessions.NewService(conn, nil, sessions.Config{})
	checker := availability.NewChecker(conn, availability.Config{})
	return &fixture{
		conn:     conn,
		engine:   NewEngine(conn, checker, presence, recorder, config),
		presence: presence,
		recorder: recorder,
	}
}

func (f *fixture) agent(t *testing.T, tenantID uint, name string, online bool) auth.User {
	t.Helper()
	user := auth.User{TenantID: tenantID, Name: name, Email: name + "@example.com", Type: auth.UserTypeAgent}
	require.NoError(t, f.conn.Create(&user).Error)
	if online {
		_, err := f.presence.Connect(context.Background(), tenantID, user.UserID, sessions.Client{})
		require.NoError(t, err)
	}
	return user
}

func (f *fixture) conversations(t *testing.T, tenantID uint, n int) []models.Conversation {
	t.Helper()
	out := make([]models.Conversation, 0, n)
	for i := 0; i < n; i++ {
		conversation := models.Conversation{
			TenantID:               tenantID,
			Provider:               models.ProviderMessenger,
			ExternalConversationID: fmt.Sprintf("psid-%d-%d", tenantID, i),
			ContactIdentifier:      fmt.Sprintf("psid-%d-%d", tenantID, i),
			Status:                 models.ConversationStatusOpen,
			LastActivityAt:         base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.conn.Create(&conversation).Error)
		out = append(out, conversation)
	}
	return out
}

func (f *fixture) reload(t *testing.T, id uint) models.Conversation {
	t.Helper()
	var conversation models.Conversation
	require.NoError(t, f.conn.First(&conversation, id).Error)
	return conversation
}

func (f *fixture) historyCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.ReleaseHistoryEntry{}).Count(&n).Error)
	return n
}

func TestDistributeWithoutAgents(t *testing.T) {
	f := newFixture(t, Config{})
	f.conversations(t, 1, 3)
	f.agent(t, 1, "offline", false)

	result, err := f.engine.Distribute(context.Background(), 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Distributed)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 3, result.Selected)
	assert.Zero(t, f.historyCount(t))
}

func TestDistributeRejectsCountAboveLimit(t *testing.T) {
	f := newFixture(t, Config{DistributeMax: 4})
	pool := f.conversations(t, 1, 6)
	f.agent(t, 1, "a", true)

	_, err := f.engine.Distribute(context.Background(), 1, 5, nil)
	assert.True(t, errors.Is(err, ErrCountTooLarge))
	for _, conversation := range pool {
		assert.Nil(t, f.reload(t, conversation.ID).AssignedAgentID)
	}

	result, err := f.engine.Distribute(context.Background(), 1, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Selected)
	assert.Equal(t, result.Selected, result.Distributed+result.Failed)
}

func TestDistributeSplitsAcrossAgents(t *testing.T) {
	f := newFixture(t, Config{})
	conversations := f.conversations(t, 1, 5)
	a := f.agent(t, 1, "a", true)
	b := f.agent(t, 1, "b", true)

	result, err := f.engine.Distribute(context.Background(), 1, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Distributed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Placements, 5)

	perAgent := map[uuid.UUID]int{}
	for _, conversation := range conversations {
		stored := f.reload(t, conversation.ID)
		assert.Equal(t, models.ConversationStatusAssigned, stored.Status)
		require.NotNil(t, stored.AssignedAgentID)
		perAgent[*stored.AssignedAgentID]++
	}
	assert.ElementsMatch(t, []int{3, 2}, []int{perAgent[a.UserID], perAgent[b.UserID]})

	var entries []models.ReleaseHistoryEntry
	require.NoError(t, f.conn.Find(&entries).Error)
	require.Len(t, entries, 5)
	for _, entry := range entries {
		assert.Equal(t, models.ReleaseReasonDistribute, entry.Reason)
		assert.Nil(t, entry.FromAgentID)
		assert.NotNil(t, entry.ToAgentID)
	}
	assert.Len(t, f.recorder.OfType(events.TypeAssignmentChanged), 5)
}

func TestDistributeRespectsCeilingAndConserves(t *testing.T) {
	f := newFixture(t, Config{QueueCeiling: 2})
	pool := f.conversations(t, 1, 6)
	a := f.agent(t, 1, "a", true)
	b := f.agent(t, 1, "b", true)

	// a already holds one conversation
	require.NoError(t, f.conn.Model(&models.Conversation{}).Where("id = ?", pool[5].ID).Updates(map[string]interface{}{
		"status":            models.ConversationStatusAssigned,
		"assigned_agent_id": a.UserID,
	}).Error)

	result, err := f.engine.Distribute(context.Background(), 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Selected)
	assert.Equal(t, 3, result.Distributed)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, result.Selected, result.Distributed+result.Failed)

	var loadA, loadB int64
	require.NoError(t, f.conn.Model(&models.Conversation{}).Where("assigned_agent_id = ?", a.UserID).Count(&loadA).Error)
	require.NoError(t, f.conn.Model(&models.Conversation{}).Where("assigned_agent_id = ?", b.UserID).Count(&loadB).Error)
	assert.Equal(t, int64(2), loadA)
	assert.Equal(t, int64(2), loadB)
}

func TestDistributeTakesOldestFirstAndSkipsPaused(t *testing.T) {
	f := newFixture(t, Config{})
	pool := f.conversations(t, 1, 3)
	paused := f.agent(t, 1, "paused", true)
	require.NoError(t, f.conn.Model(&paused).Update("assignments_paused", true).Error)
	active := f.agent(t, 1, "active", true)

	result, err := f.engine.Distribute(context.Background(), 1, 1, nil)
	require.NoError(t, err)
	require.Len(t, result.Placements, 1)
	assert.Equal(t, pool[0].ID, result.Placements[0].ConversationID)
	assert.Equal(t, active.UserID, result.Placements[0].AgentID)
}

func TestDistributeIgnoresOtherTenants(t *testing.T) {
	f := newFixture(t, Config{})
	f.conversations(t, 2, 2)
	f.agent(t, 1, "a", true)

	result, err := f.engine.Distribute(context.Background(), 1, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, DistributeResult{}, *result)
}

func TestConcurrentAssignKeepsFirstAgent(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", true)
	b := f.agent(t, 1, "b", true)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: b.UserID})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrConflict))
	}
	stored := f.reload(t, c1.ID)
	assert.Equal(t, a.UserID, *stored.AssignedAgentID)
	assert.Equal(t, int64(1), f.historyCount(t))
}

func TestRacingAssignsHaveOneWinner(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	agents := []auth.User{f.agent(t, 1, "a", true), f.agent(t, 1, "b", true)}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent auth.User) {
			defer wg.Done()
			_, errs[i] = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: agent.UserID})
		}(i, agent)
	}
	wg.Wait()

	wins := 0
	var winner uuid.UUID
	for i, err := range errs {
		if err == nil {
			wins++
			winner = agents[i].UserID
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict))
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, winner, *f.reload(t, c1.ID).AssignedAgentID)
}

func TestAssignSameAgentIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", false)
	ctx := context.Background()

	first, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)
	assert.True(t, first.Changed)

	again, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, int64(1), f.historyCount(t))
	assert.Len(t, f.recorder.OfType(events.TypeAssignmentChanged), 1)
}

func TestOverrideReassigns(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", false)
	b := f.agent(t, 1, "b", false)
	supervisor := uuid.New()
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)
	result, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: b.UserID, ActorID: &supervisor, Override: true})
	require.NoError(t, err)
	assert.Equal(t, b.UserID, *result.Conversation.AssignedAgentID)

	history, err := f.engine.History(ctx, 1, c1.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ReleaseReasonManualAssign, history[0].Reason)
	assert.Equal(t, models.ReleaseReasonReassign, history[1].Reason)
	assert.Equal(t, a.UserID, *history[1].FromAgentID)
	assert.Equal(t, b.UserID, *history[1].ToAgentID)
	assert.Equal(t, supervisor, *history[1].ActorID)
}

func TestAssignRejectsUnknownAgent(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	foreign := f.agent(t, 2, "foreign", false)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: foreign.UserID})
	assert.True(t, errors.Is(err, ErrAgentNotFound))

	a := f.agent(t, 1, "a", false)
	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: 999, AgentID: a.UserID})
	assert.True(t, errors.Is(err, response.ErrConversationNotFound))
}

func TestAssignClaimsClosedConversation(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", false)
	closedAt := base
	require.NoError(t, f.conn.Model(&models.Conversation{}).Where("id = ?", c1.ID).Updates(map[string]interface{}{
		"status":    models.ConversationStatusClosed,
		"closed_at": closedAt,
	}).Error)

	result, err := f.engine.Assign(context.Background(), AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusAssigned, result.Conversation.Status)
	assert.Nil(t, result.Conversation.ClosedAt)
}

func TestAssignWithSlotBooksCall(t *testing.T) {
	f := newFixture(t, Config{})
	pool := f.conversations(t, 1, 2)
	a := f.agent(t, 1, "a", false)
	ctx := context.Background()
	slot := &TimeSlot{Start: base.Add(24 * time.Hour), DurationMinutes: 15}

	result, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[0].ID, AgentID: a.UserID, Slot: slot})
	require.NoError(t, err)
	require.NotNil(t, result.Call)
	assert.Equal(t, a.UserID, result.Call.AgentID)
	assert.Equal(t, pool[0].ID, *result.Call.ConversationID)

	overlapping := &TimeSlot{Start: slot.Start.Add(10 * time.Minute), DurationMinutes: 15}
	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[1].ID, AgentID: a.UserID, Slot: overlapping})
	assert.True(t, errors.Is(err, ErrAgentBusy))

	// the busy agent's rejected assignment left nothing behind
	assert.Nil(t, f.reload(t, pool[1].ID).AssignedAgentID)
	assert.Equal(t, int64(1), f.historyCount(t))

	adjacent := &TimeSlot{Start: slot.Start.Add(15 * time.Minute), DurationMinutes: 15}
	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[1].ID, AgentID: a.UserID, Slot: adjacent})
	require.NoError(t, err)
}

func TestLongSlotKeepsItsDuration(t *testing.T) {
	f := newFixture(t, Config{})
	pool := f.conversations(t, 1, 3)
	a := f.agent(t, 1, "a", false)
	ctx := context.Background()
	slot := &TimeSlot{Start: base.Add(72 * time.Hour), DurationMinutes: 60}

	result, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[0].ID, AgentID: a.UserID, Slot: slot})
	require.NoError(t, err)
	assert.Equal(t, 60, result.Call.DurationMinutes)

	inside := &TimeSlot{Start: slot.Start.Add(30 * time.Minute), DurationMinutes: 10}
	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[1].ID, AgentID: a.UserID, Slot: inside})
	assert.True(t, errors.Is(err, ErrAgentBusy))

	after := &TimeSlot{Start: slot.Start.Add(60 * time.Minute), DurationMinutes: 10}
	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: pool[2].ID, AgentID: a.UserID, Slot: after})
	require.NoError(t, err)
}

func TestBookingIsRevalidatedInsideTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", false)
	slot := TimeSlot{Start: base.Add(48 * time.Hour), DurationMinutes: 15}

	// a competing booking lands after the advisory check
	require.NoError(t, f.conn.Create(&models.ScheduledCall{TenantID: 1, AgentID: a.UserID, StartAt: slot.Start, Status: models.ScheduleStatusScheduled}).Error)

	err := f.conn.Transaction(func(tx *gorm.DB) error {
		_, err := f.engine.book(context.Background(), tx, 1, c1.ID, a.UserID, slot)
		return err
	})
	assert.True(t, errors.Is(err, ErrAgentBusy))
}

func TestUnassignAndRelease(t *testing.T) {
	f := newFixture(t, Config{})
	c1 := f.conversations(t, 1, 1)[0]
	a := f.agent(t, 1, "a", false)
	b := f.agent(t, 1, "b", false)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: a.UserID})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, 1, c1.ID, b.UserID, "")
	assert.True(t, errors.Is(err, ErrNotAssignee))

	released, err := f.engine.Release(ctx, 1, c1.ID, a.UserID, "end of shift")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusOpen, released.Status)
	assert.Nil(t, released.AssignedAgentID)

	// unassigning a pooled conversation changes nothing
	_, err = f.engine.Unassign(ctx, UnassignCommand{TenantID: 1, ConversationID: c1.ID})
	require.NoError(t, err)

	history, err := f.engine.History(ctx, 1, c1.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ReleaseReasonRelease, history[1].Reason)
	assert.Equal(t, "end of shift", history[1].Note)
	assert.Nil(t, history[1].ToAgentID)

	_, err = f.engine.Assign(ctx, AssignCommand{TenantID: 1, ConversationID: c1.ID, AgentID: b.UserID})
	require.NoError(t, err)
	unassigned, err := f.engine.Unassign(ctx, UnassignCommand{TenantID: 1, ConversationID: c1.ID})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusOpen, unassigned.Status)

	history, err = f.engine.History(ctx, 1, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseReasonUnassign, history[len(history)-1].Reason)

	_, err = f.engine.History(ctx, 2, c1.ID)
	assert.True(t, errors.Is(err, response.ErrConversationNotFound))
}
