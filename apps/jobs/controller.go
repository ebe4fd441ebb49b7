package jobs

import (
	"errors"
	"net/http"

	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

// JobInfo is a job definition with its most recent execution
type JobInfo struct {
	JobDefinition
	LastExecution *JobExecution `json:"last_execution,omitempty"`
}

var errSchedulerStopped = response.NewError(response.ErrorCodeInvalidState, "Background jobs are disabled", http.StatusServiceUnavailable)

// ListJobs returns the registered jobs
// GET /api/admin/jobs
func (c Controller) ListJobs(request *evo.Request) any {
	s := GetScheduler()
	if s == nil {
		return response.Error(errSchedulerStopped)
	}
	definitions := s.GetJobs()
	jobs := make([]JobInfo, 0, len(definitions))
	for _, definition := range definitions {
		info := JobInfo{JobDefinition: definition}
		if last, err := s.GetLastExecution(definition.Name); err == nil {
			info.LastExecution = last
		}
		jobs = append(jobs, info)
	}
	return response.List(jobs, len(jobs))
}

// ListExecutions returns recent executions
// GET /api/admin/jobs/executions?job=&limit=
func (c Controller) ListExecutions(request *evo.Request) any {
	s := GetScheduler()
	if s == nil {
		return response.Error(errSchedulerStopped)
	}
	executions, err := s.GetRecentExecutions(request.Query("job").String(), request.Query("limit").Int())
	if err != nil {
		return response.FromError(err, "failed to list job executions")
	}
	return response.List(executions, len(executions))
}

// RunJob triggers a job in the background
// POST /api/admin/jobs/:name/run
func (c Controller) RunJob(request *evo.Request) any {
	s := GetScheduler()
	if s == nil {
		return response.Error(errSchedulerStopped)
	}
	name := request.Param("name").String()
	if err := s.RunNow(name); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return response.Error(response.NewError(response.ErrorCodeNotFound, "Job not found", http.StatusNotFound))
		}
		return response.FromError(err, "failed to trigger job")
	}
	return response.OK(map[string]string{"job": name, "status": "triggered"})
}
