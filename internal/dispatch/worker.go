package dispatch

import (
	"context"
	"log/slog"
	"time"

	"outreach-platform/internal/ring"
)

// Worker claims due jobs and executes them: websocket jobs arm the ring
// scheduler and wait for a client answer; simulation jobs run through
// the Simulator inline.

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 10
)

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	return out
}

type Worker struct {
	cfg   WorkerConfig
	queue Queue
	ring  *ring.Scheduler
	sim   *Simulator
	clock func() time.Time
	log   *slog.Logger
}

func NewWorker(cfg WorkerConfig, queue Queue, ringSched *ring.Scheduler, sim *Simulator, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:   cfg.withDefaults(),
		queue: queue,
		ring:  ringSched,
		sim:   sim,
		clock: time.Now,
		log:   log,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims and executes one batch of due jobs.
func (w *Worker) Tick(ctx context.Context) {
	jobs, err := w.queue.Claim(ctx, w.clock(), w.cfg.BatchSize)
	if err != nil {
		w.log.Error("job claim failed", "err", err)
		return
	}
	for _, job := range jobs {
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job Job) {
	switch job.CallMode {
	case ModeSimulation:
		if w.sim == nil {
			w.log.Error("simulation job with no simulator configured", "patient_id", job.PatientID)
			return
		}
		if err := w.sim.Run(ctx, job); err != nil {
			w.log.Warn("simulated call attempt failed", "patient_id", job.PatientID, "err", err)
		}
	default:
		w.ring.Ring(ctx, ring.Request{
			PatientID:      job.PatientID,
			CampaignID:     job.CampaignID,
			OrganizationID: job.OrganizationID,
			RetryAttempt:   job.RetryAttempt,
			MaxRetries:     job.MaxRetries,
		})
	}
}
