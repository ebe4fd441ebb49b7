package jobs

import (
	"context"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/assignment"
	"github.com/iesreza/homa-inbox/apps/models"
	"gorm.io/gorm"
)

// Job names
const (
	JobSweepStaleSessions   = "sweep_stale_sessions"
	JobExpireSessionConnect = "expire_session_connects"
	JobAutoDistribute       = "auto_distribute"
	JobCleanupJobExecutions = "cleanup_job_executions"
)

// SessionSweeper closes live sessions that stopped sending heartbeats
type SessionSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// ConnectWatchdog fails session connect attempts that never completed
type ConnectWatchdog interface {
	ExpireStale(ctx context.Context, now time.Time) int
}

// Distributor hands pooled conversations to online agents
type Distributor interface {
	Distribute(ctx context.Context, tenantID uint, count int, actorID *uuid.UUID) (*assignment.DistributeResult, error)
}

// Config holds job schedules and switches
type Config struct {
	Enabled            bool
	SweepSchedule      string
	WatchdogSchedule   string
	AutoDistribute     bool
	DistributeSchedule string
	DistributeBatch    int
	CleanupSchedule    string
	Retention          time.Duration
	LockTTL            time.Duration
}

// Dependencies are the services the jobs act on. Nil members disable the
// jobs that need them.
type Dependencies struct {
	DB          *gorm.DB
	Sessions    SessionSweeper
	Watchdog    ConnectWatchdog
	Distributor Distributor
}

// Definitions builds the job set
func Definitions(config Config, deps Dependencies, scheduler *Scheduler) []JobDefinition {
	return []JobDefinition{
		{
			Name:        JobSweepStaleSessions,
			Description: "Close live sessions whose last heartbeat is older than the stale window",
			Schedule:    config.SweepSchedule,
			Timeout:     time.Minute,
			Handler:     sweepStaleSessions(deps.Sessions),
			Enabled:     deps.Sessions != nil,
		},
		{
			Name:        JobExpireSessionConnect,
			Description: "Fail session connect attempts that were not completed in time",
			Schedule:    config.WatchdogSchedule,
			Timeout:     30 * time.Second,
			Handler:     expireSessionConnects(deps.Watchdog),
			Enabled:     deps.Watchdog != nil,
		},
		{
			Name:        JobAutoDistribute,
			Description: "Distribute pooled conversations of every tenant to online agents",
			Schedule:    config.DistributeSchedule,
			Timeout:     5 * time.Minute,
			Handler:     autoDistribute(deps.DB, deps.Distributor, config.DistributeBatch),
			Enabled:     config.AutoDistribute && deps.Distributor != nil && deps.DB != nil,
		},
		{
			Name:        JobCleanupJobExecutions,
			Description: "Delete job execution records past the retention period",
			Schedule:    config.CleanupSchedule,
			Timeout:     5 * time.Minute,
			Handler:     cleanupExecutions(scheduler, config.Retention),
			Enabled:     config.Retention > 0,
		},
	}
}

func sweepStaleSessions(sweeper SessionSweeper) JobHandler {
	return func(ctx *JobContext) error {
		closed, err := sweeper.SweepStale(ctx)
		ctx.IncrementProcessed(closed)
		return err
	}
}

func expireSessionConnects(watchdog ConnectWatchdog) JobHandler {
	return func(ctx *JobContext) error {
		ctx.IncrementProcessed(watchdog.ExpireStale(ctx, time.Now()))
		return nil
	}
}

// pooledTenants lists tenants with open unassigned conversations
func pooledTenants(ctx context.Context, conn *gorm.DB) ([]uint, error) {
	var tenants []uint
	err := conn.WithContext(ctx).Model(&models.Conversation{}).
		Where("status = ? AND assigned_agent_id IS NULL", models.ConversationStatusOpen).
		Distinct().
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

func autoDistribute(conn *gorm.DB, distributor Distributor, batch int) JobHandler {
	return func(ctx *JobContext) error {
		tenants, err := pooledTenants(ctx, conn)
		if err != nil {
			return err
		}

		failed := 0
		for _, tenantID := range tenants {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result, err := distributor.Distribute(ctx, tenantID, batch, nil)
			if err != nil {
				log.Error("jobs: distribution for tenant %d failed: %v", tenantID, err)
				continue
			}
			ctx.IncrementProcessed(result.Distributed)
			failed += result.Failed
		}
		ctx.SetMetadata("tenants", len(tenants))
		ctx.SetMetadata("failed", failed)
		return nil
	}
}

func cleanupExecutions(scheduler *Scheduler, retention time.Duration) JobHandler {
	return func(ctx *JobContext) error {
		removed, err := scheduler.CleanupOldExecutions(retention)
		ctx.IncrementProcessed(int(removed))
		return err
	}
}
