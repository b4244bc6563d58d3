package printer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStatus is the progress of a print job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PrintJob represents a print job
type PrintJob struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Size       int       `json:"size"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (j *PrintJob) finished() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// DefaultJobHistory is how many jobs a JobTracker remembers
const DefaultJobHistory = 256

// JobTracker records print jobs. Jobs run on their device's serial queue,
// so they print in submission order and never interleave with probes.
// A failed job is not retried.
type JobTracker struct {
	manager *ConnectionManager
	log     *zap.Logger
	history int

	mu   sync.Mutex
	jobs []*PrintJob
}

// NewJobTracker creates a tracker printing through manager
func NewJobTracker(manager *ConnectionManager, log *zap.Logger) *JobTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobTracker{
		manager: manager,
		log:     log.Named("jobs"),
		history: DefaultJobHistory,
	}
}

// Submit queues data for the printer at address and returns the job ID
func (t *JobTracker) Submit(address string, data []byte) (string, error) {
	conn, ok := t.manager.Get(address)
	if !ok {
		return "", fmt.Errorf("printer %s: %w", address, ErrNotRegistered)
	}

	job := &PrintJob{
		ID:        uuid.New().String(),
		DeviceID:  address,
		Size:      len(data),
		Status:    JobQueued,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.jobs = append(t.jobs, job)
	t.trimLocked()
	t.mu.Unlock()

	payload := append([]byte(nil), data...)
	err := conn.queue.Submit(func() error {
		t.start(job.ID)
		err := conn.print(payload)
		t.finish(job.ID, err)
		return err
	})
	if err != nil {
		t.finish(job.ID, err)
		return job.ID, err
	}

	t.log.Debug("job queued", zap.String("job", job.ID), zap.String("device", address), zap.Int("bytes", len(data)))
	return job.ID, nil
}

func (t *JobTracker) start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job := t.findLocked(id); job != nil {
		job.Status = JobPrinting
	}
}

func (t *JobTracker) finish(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.findLocked(id)
	if job == nil {
		return
	}
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		t.log.Warn("print job failed", zap.String("job", id), zap.String("device", job.DeviceID), zap.Error(err))
		return
	}
	job.Status = JobCompleted
	t.log.Info("print job completed", zap.String("job", id), zap.String("device", job.DeviceID))
}

// Get returns a copy of the job with the given ID
func (t *JobTracker) Get(id string) (PrintJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if job := t.findLocked(id); job != nil {
		return *job, true
	}
	return PrintJob{}, false
}

// All returns copies of all jobs, oldest first
func (t *JobTracker) All() []PrintJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := make([]PrintJob, len(t.jobs))
	for i, job := range t.jobs {
		jobs[i] = *job
	}
	return jobs
}

// ClearFinished removes completed and failed jobs
func (t *JobTracker) ClearFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.jobs[:0]
	for _, job := range t.jobs {
		if !job.finished() {
			kept = append(kept, job)
		}
	}
	t.jobs = kept
}

func (t *JobTracker) findLocked(id string) *PrintJob {
	for _, job := range t.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// trimLocked drops the oldest finished jobs beyond the history limit
func (t *JobTracker) trimLocked() {
	excess := len(t.jobs) - t.history
	if excess <= 0 {
		return
	}
	kept := t.jobs[:0]
	for _, job := range t.jobs {
		if excess > 0 && job.finished() {
			excess--
			continue
		}
		kept = append(kept, job)
	}
	t.jobs = kept
}
