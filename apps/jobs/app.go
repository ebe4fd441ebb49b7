package jobs

import (
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/application"
	"github.com/getevo/evo/v2/lib/db"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/assignment"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/models"
	appnats "github.com/iesreza/homa-inbox/apps/nats"
	"github.com/iesreza/homa-inbox/apps/sessions"
)

var scheduler *Scheduler

// GetScheduler returns the scheduler, nil while jobs are disabled
func GetScheduler() *Scheduler {
	return scheduler
}

// LoadConfig reads JOBS.* settings
func LoadConfig() Config {
	retention, err := settings.Get("JOBS.RETENTION", "720h").Duration()
	if err != nil {
		retention = 30 * 24 * time.Hour
	}
	lockTTL, err := settings.Get("JOBS.LOCK_TTL", "30m").Duration()
	if err != nil || lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	batch := settings.Get("JOBS.DISTRIBUTE_BATCH", 50).Int()
	if limit := settings.Get("INBOX.DISTRIBUTE_MAX", 100).Int(); limit > 0 && batch > limit {
		batch = limit
	}
	return Config{
		Enabled:            settings.Get("JOBS.ENABLED", true).Bool(),
		SweepSchedule:      settings.Get("JOBS.SWEEP_SCHEDULE", "0 * * * * *").String(),
		WatchdogSchedule:   settings.Get("JOBS.WATCHDOG_SCHEDULE", "*/15 * * * * *").String(),
		AutoDistribute:     settings.Get("JOBS.AUTO_DISTRIBUTE", false).Bool(),
		DistributeSchedule: settings.Get("JOBS.DISTRIBUTE_SCHEDULE", "30 */5 * * * *").String(),
		DistributeBatch:    batch,
		CleanupSchedule:    settings.Get("JOBS.CLEANUP_SCHEDULE", "0 30 3 * * *").String(),
		Retention:          retention,
		LockTTL:            lockTTL,
	}
}

// App represents the Jobs application module
type App struct{}

var _ application.Application = (*App)(nil)

func (App) Register() error {
	db.UseModel(JobExecution{})
	return nil
}

func (App) Router() error {
	var controller Controller

	// /api/admin is guarded by the admin app
	evo.Get("/api/admin/jobs", controller.ListJobs)
	evo.Get("/api/admin/jobs/executions", controller.ListExecutions)
	evo.Post("/api/admin/jobs/:name/run", controller.RunJob)
	return nil
}

// WhenReady starts the scheduler. Runs after the nats app connected.
func (App) WhenReady() error {
	config := LoadConfig()
	if !config.Enabled {
		log.Info("jobs: disabled, skipping scheduler initialization")
		return nil
	}

	var locks Locker
	if js := appnats.GetJetStream(); js != nil {
		manager, err := NewLockManager(js, config.LockTTL)
		if err != nil {
			log.Error("jobs: failed to create lock manager: %v", err)
			return err
		}
		locks = manager
	} else {
		log.Warning("jobs: JetStream not available, job locks are local to this instance")
		locks = NewLocalLocker()
	}

	deps := Dependencies{DB: models.Conn()}
	if s := sessions.GetService(); s != nil {
		deps.Sessions = s
	}
	if w := integrations.WhatsApp(); w != nil {
		deps.Watchdog = w
	}
	if e := assignment.GetEngine(); e != nil {
		deps.Distributor = e
	}

	scheduler = NewScheduler(locks, models.Conn())
	for _, job := range Definitions(config, deps, scheduler) {
		if err := scheduler.RegisterJob(job); err != nil {
			log.Error("jobs: failed to register %s: %v", job.Name, err)
			return err
		}
	}
	scheduler.Start()
	return nil
}

func (App) Shutdown() error {
	if scheduler != nil {
		scheduler.Stop()
	}
	return nil
}

func (App) Name() string {
	return "jobs"
}
