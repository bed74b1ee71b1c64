package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallMode selects how a claimed job is executed.
const (
	ModeWebsocket  = "websocket"
	ModeSimulation = "simulation"
)

// Job is one scheduled call attempt. It is what crosses the queue
// boundary, so every field must survive JSON round-tripping.
type Job struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patientId"`
	CampaignID     string    `json:"campaignId,omitempty"`
	OrganizationID string    `json:"organizationId"`
	ScheduledFor   time.Time `json:"scheduledFor"`
	CallMode       string    `json:"callMode"`
	RetryAttempt   int       `json:"retryAttempt"`
	MaxRetries     int       `json:"maxRetries"`
}

// Queue is a delayed job queue: jobs become claimable once their
// scheduled time passes. Claim removes what it returns, so a job is
// delivered to exactly one worker per attempt.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
}

// MemoryQueue is the in-process queue used in tests and single-node runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.jobs, func(i, k int) bool {
		return q.jobs[i].ScheduledFor.Before(q.jobs[k].ScheduledFor)
	})

	var due []Job
	var rest []Job
	for _, j := range q.jobs {
		if len(due) < limit && !j.ScheduledFor.After(now) {
			due = append(due, j)
		} else {
			rest = append(rest, j)
		}
	}
	q.jobs = rest
	return due, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
