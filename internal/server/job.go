package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystfel-go/mergeengine/internal/config"
)

// JobState represents the current state of a merge job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// CreateJobRequest is the HTTP payload for POST /api/v1/jobs: the merge
// options table plus the path to the crystal source a background job
// reads from (spec §6.1/§6.3).
type CreateJobRequest struct {
	Config     config.Options `json:"config"`
	SourcePath string         `json:"sourcePath"`
}

// Job represents a background merge job, tracking the same per-iteration
// counters as merge.IterationReport so the HTTP layer never has to reach
// into the driver directly.
type Job struct {
	ID         string         `json:"id"`
	State      JobState       `json:"state"`
	Config     config.Options `json:"config"`
	SourcePath string         `json:"sourcePath"`

	Iteration   int     `json:"iteration"`
	NumCrystals int     `json:"numCrystals"`
	NumRefined  int     `json:"numRefined"`
	NumNoRefine int     `json:"numNoRefine"`
	NumFailed   int     `json:"numFailed"`
	NumLost     int     `json:"numLost"`
	MeanOSF     float64 `json:"meanOSF"`
	NumMerged   int     `json:"numMerged"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// JobManager manages the lifecycle of merge jobs.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration and source path.
func (jm *JobManager) CreateJob(cfg config.Options, sourcePath string) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:         uuid.New().String(),
		State:      StatePending,
		Config:     cfg,
		SourcePath: sourcePath,
		StartTime:  time.Now(),
	}

	jm.jobs[job.ID] = job
	return job
}

// GetJob retrieves a job by ID.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	return job, exists
}

// ListJobs returns all jobs.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJob atomically updates a job using the provided function.
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state.
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job)
		}
	}
	return runningJobs
}
