package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/patients"
)

// Dispatcher turns patients into scheduled call jobs. Campaign fan-out
// spaces jobs along the queue tail so a large campaign does not ring
// every patient in the same second.

const (
	DefaultSpacing    = 15 * time.Second
	DefaultMaxRetries = 3
)

type DispatcherConfig struct {
	Spacing    time.Duration
	MaxRetries int
	Mode       string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	out := c
	if out.Spacing <= 0 {
		out.Spacing = DefaultSpacing
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.Mode == "" {
		out.Mode = ModeWebsocket
	}
	return out
}

type Dispatcher struct {
	cfg       DispatcherConfig
	queue     Queue
	patients  patients.Repository
	campaigns *campaigns.Service
	bus       *events.Bus
	clock     func() time.Time
	log       *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig, queue Queue, patientRepo patients.Repository, campaignSvc *campaigns.Service, bus *events.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		patients:  patientRepo,
		campaigns: campaignSvc,
		bus:       bus,
		clock:     time.Now,
		log:       log,
	}
}

// DispatchPatient schedules one call attempt after the given delay.
func (d *Dispatcher) DispatchPatient(ctx context.Context, patientID, mode string, delay time.Duration) (Job, error) {
	patient, err := d.patients.Get(ctx, patientID)
	if err != nil {
		return Job{}, fmt.Errorf("dispatch: load patient %s: %w", patientID, err)
	}
	if mode == "" {
		mode = d.cfg.Mode
	}

	job := Job{
		PatientID:      patient.ID,
		CampaignID:     patient.CampaignID,
		OrganizationID: patient.OrganizationID,
		ScheduledFor:   d.clock().Add(delay),
		CallMode:       mode,
		MaxRetries:     d.cfg.MaxRetries,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}

	if err := d.patients.UpdateStatus(ctx, patient.ID, patients.StatusQueued); err != nil {
		d.log.Warn("patient status update failed", "patient_id", patient.ID, "err", err)
	}
	d.bus.Emit(ctx, events.TypeCallQueued, events.Payload{
		"patient_id":      patient.ID,
		"campaign_id":     patient.CampaignID,
		"organization_id": patient.OrganizationID,
		"call_mode":       mode,
		"scheduled_for":   job.ScheduledFor.UTC().Format(time.RFC3339),
	})
	return job, nil
}

// DispatchCampaign enqueues every pending campaign member, spacing them
// by the configured interval, and marks the campaign running.
func (d *Dispatcher) DispatchCampaign(ctx context.Context, campaignID, mode string) (int, error) {
	members, err := d.patients.ByCampaignStatus(ctx, campaignID, []patients.Status{patients.StatusPending})
	if err != nil {
		return 0, fmt.Errorf("dispatch: list campaign %s: %w", campaignID, err)
	}

	queued := 0
	for i, p := range members {
		if _, err := d.DispatchPatient(ctx, p.ID, mode, time.Duration(i)*d.cfg.Spacing); err != nil {
			d.log.Error("campaign member dispatch failed", "patient_id", p.ID, "err", err)
			continue
		}
		queued++
	}

	if queued > 0 && d.campaigns != nil {
		d.campaigns.MarkRunning(ctx, campaignID)
	}
	return queued, nil
}
