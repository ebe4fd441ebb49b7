package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobLocked   = errors.New("job is already running")
)

// Scheduler manages background job scheduling and execution
type Scheduler struct {
	cron      *cron.Cron
	locks     Locker
	db        *gorm.DB
	jobs      map[string]*JobDefinition
	mu        sync.RWMutex
	isRunning bool
}

// NewScheduler creates a new job scheduler. Executions are recorded in conn.
func NewScheduler(locks Locker, conn *gorm.DB) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		locks: locks,
		db:    conn,
		jobs:  make(map[string]*JobDefinition),
	}
}

// RegisterJob registers a new job with the scheduler
func (s *Scheduler) RegisterJob(job JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.Enabled {
		log.Info("jobs: %s is disabled, skipping registration", job.Name)
		return nil
	}

	name := job.Name
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		if _, err := s.Run(name); err != nil && !errors.Is(err, ErrJobLocked) {
			log.Error("jobs: %s failed: %v", name, err)
		}
	}); err != nil {
		return err
	}
	s.jobs[name] = &job

	log.Info("jobs: registered %s (schedule: %s)", name, job.Schedule)
	return nil
}

// Run executes a job now, under its lock, and records the execution
func (s *Scheduler) Run(jobName string) (*JobExecution, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrJobNotFound
	}

	if !s.locks.TryLock(jobName) {
		log.Debug("jobs: %s is already running on another instance, skipping", jobName)
		return nil, ErrJobLocked
	}
	defer s.locks.Unlock(jobName)

	execution := &JobExecution{
		ID:         uuid.New(),
		JobName:    jobName,
		InstanceID: s.locks.InstanceID(),
		Status:     JobStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.db.Create(execution).Error; err != nil {
		log.Error("jobs: failed to create execution record: %v", err)
		return nil, err
	}

	log.Info("jobs: starting %s (execution: %s)", jobName, execution.ID)

	parent := context.Background()
	cancel := context.CancelFunc(func() {})
	if job.Timeout > 0 {
		parent, cancel = context.WithTimeout(parent, job.Timeout)
	}
	defer cancel()
	jobCtx := NewJobContext(parent, jobName, execution.ID)
	jobErr := s.execute(jobCtx, job.Handler)

	now := time.Now().UTC()
	execution.CompletedAt = &now
	execution.DurationMs = now.Sub(execution.StartedAt).Milliseconds()
	execution.RecordsProcessed = jobCtx.GetProcessed()

	if jobErr != nil {
		execution.Status = JobStatusFailed
		execution.Error = jobErr.Error()
		log.Error("jobs: %s failed: %v", jobName, jobErr)
	} else {
		execution.Status = JobStatusCompleted
		log.Info("jobs: %s completed (processed: %d, duration: %dms)",
			jobName, execution.RecordsProcessed, execution.DurationMs)
	}

	if metadata := jobCtx.GetMetadata(); len(metadata) > 0 {
		if metadataJSON, err := json.Marshal(metadata); err == nil {
			execution.Metadata = string(metadataJSON)
		}
	}

	if err := s.db.Save(execution).Error; err != nil {
		log.Error("jobs: failed to update execution record: %v", err)
	}
	return execution, nil
}

// execute runs a handler until it returns or the job context expires
func (s *Scheduler) execute(jobCtx *JobContext, handler JobHandler) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("job panicked")
				log.Error("jobs: %s panicked: %v", jobCtx.JobName, r)
			}
		}()
		done <- handler(jobCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-jobCtx.Done():
		return jobCtx.Err()
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return
	}
	s.cron.Start()
	s.isRunning = true
	log.Info("jobs: scheduler started with %d jobs", len(s.jobs))
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	log.Info("jobs: scheduler stopped")
}

// RunNow triggers a job in the background
func (s *Scheduler) RunNow(jobName string) error {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return ErrJobNotFound
	}

	go func() {
		if _, err := s.Run(jobName); err != nil && !errors.Is(err, ErrJobLocked) {
			log.Error("jobs: %s failed: %v", jobName, err)
		}
	}()
	return nil
}

// GetJobs returns the registered job definitions sorted by name
func (s *Scheduler) GetJobs() []JobDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]JobDefinition, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, *job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetRecentExecutions returns recent job executions
func (s *Scheduler) GetRecentExecutions(jobName string, limit int) ([]JobExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var executions []JobExecution
	query := s.db.Model(&JobExecution{}).Order("started_at DESC").Limit(limit)
	if jobName != "" {
		query = query.Where("job_name = ?", jobName)
	}
	if err := query.Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

// GetLastExecution returns the most recent execution for a job
func (s *Scheduler) GetLastExecution(jobName string) (*JobExecution, error) {
	var execution JobExecution
	err := s.db.Model(&JobExecution{}).
		Where("job_name = ?", jobName).
		Order("started_at DESC").
		First(&execution).Error
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// CleanupOldExecutions removes execution records older than the specified duration
func (s *Scheduler) CleanupOldExecutions(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := s.db.Where("started_at < ?", cutoff).Delete(&JobExecution{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
