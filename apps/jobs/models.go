package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a job execution
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// JobExecution tracks the execution history of background jobs
type JobExecution struct {
	ID               uuid.UUID  `gorm:"type:char(36);primaryKey" json:"id"`
	JobName          string     `gorm:"size:100;not null;index:idx_job_started,priority:1" json:"job_name"`
	InstanceID       string     `gorm:"size:100;not null" json:"instance_id"`
	Status           JobStatus  `gorm:"size:20;not null;default:running" json:"status"`
	StartedAt        time.Time  `gorm:"not null;index:idx_job_started,priority:2" json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	DurationMs       int64      `gorm:"default:0" json:"duration_ms"`
	RecordsProcessed int        `gorm:"default:0" json:"records_processed"`
	Error            string     `gorm:"type:text" json:"error,omitempty"`
	Metadata         string     `gorm:"type:text" json:"metadata,omitempty"`
}

func (JobExecution) TableName() string {
	return "job_executions"
}

// JobDefinition defines a scheduled job
type JobDefinition struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Schedule    string        `json:"schedule"` // cron expression with seconds
	Timeout     time.Duration `json:"timeout"`
	Handler     JobHandler    `json:"-"`
	Enabled     bool          `json:"enabled"`
}

// JobHandler is the function signature for job handlers
type JobHandler func(ctx *JobContext) error

// JobContext carries the deadline of one run and collects its counters
type JobContext struct {
	context.Context
	JobName     string
	ExecutionID uuid.UUID
	StartedAt   time.Time

	mu        sync.Mutex
	processed int
	metadata  map[string]interface{}
}

// NewJobContext creates a new job context
func NewJobContext(parent context.Context, jobName string, executionID uuid.UUID) *JobContext {
	return &JobContext{
		Context:     parent,
		JobName:     jobName,
		ExecutionID: executionID,
		StartedAt:   time.Now(),
		metadata:    make(map[string]interface{}),
	}
}

// IncrementProcessed increments the records processed counter
func (ctx *JobContext) IncrementProcessed(count int) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.processed += count
}

func (ctx *JobContext) GetProcessed() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.processed
}

func (ctx *JobContext) SetMetadata(key string, value interface{}) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.metadata[key] = value
}

// GetMetadata returns a copy of the metadata
func (ctx *JobContext) GetMetadata() map[string]interface{} {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	out := make(map[string]interface{}, len(ctx.metadata))
	for k, v := range ctx.metadata {
		out[k] = v
	}
	return out
}
