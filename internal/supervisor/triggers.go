package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/schedule"
	"github.com/zjrosen/foreman/internal/tracing"
)

// fireTriggers evaluates due time triggers. Each firing is committed
// through a per-minute idempotency key, so a supervisor restart (or a
// second supervisor) cannot double-fire a minute.
func (s *Supervisor) fireTriggers(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := s.triggers.ListDue(now)
	if err != nil {
		return fmt.Errorf("listing due triggers: %w", err)
	}

	for _, trig := range due {
		sched, err := schedule.Parse(trig.CronExpr)
		if err != nil {
			log.Error(log.CatTrigger, "invalid cron expression, skipping trigger",
				"trigger", trig.ID, "expr", trig.CronExpr, "error", err)
			continue
		}
		next, err := sched.Next(now)
		if err != nil {
			log.Error(log.CatTrigger, "no next run for trigger",
				"trigger", trig.ID, "expr", trig.CronExpr, "error", err)
			continue
		}

		if trig.NextRun == nil {
			// A freshly created trigger has no next-run yet. Schedule it
			// without firing retroactively.
			trig.NextRun = &next
			if err := s.triggers.Save(trig); err != nil {
				return fmt.Errorf("scheduling trigger: %w", err)
			}
			log.Info(log.CatTrigger, "trigger scheduled",
				"trigger", trig.ID, "title", trig.Title, "next", next)
			continue
		}

		if err := s.fire(ctx, trig, now); err != nil {
			return err
		}
		if err := s.triggers.MarkRun(trig.ID, now, next); err != nil {
			return fmt.Errorf("marking trigger run: %w", err)
		}
	}
	return nil
}

// fire injects the trigger's root task into its target worker.
func (s *Supervisor) fire(ctx context.Context, trig *domain.Trigger, now time.Time) error {
	_, span := s.tracer.Start(ctx, tracing.SpanPrefixSupervisor+"fire", trace.WithAttributes(
		attribute.String(tracing.AttrTriggerID, trig.ID),
	))
	defer span.End()

	minute := now.Truncate(time.Minute)
	won, err := s.triggers.RecordFiring(trig.ID, trig.FireKey(minute))
	if err != nil {
		return fmt.Errorf("recording trigger firing: %w", err)
	}
	if !won {
		log.Debug(log.CatTrigger, "minute already fired", "trigger", trig.ID, "minute", minute)
		return nil
	}

	worker, err := s.workers.GetOrCreate(trig.WorkerName, "")
	if err != nil {
		return fmt.Errorf("resolving trigger worker: %w", err)
	}

	task := &domain.Task{
		WorkerID:     worker.ID,
		Title:        trig.Title,
		Prompt:       trig.Prompt,
		ModelTier:    trig.ModelTier,
		Skills:       trig.Skills,
		CapabilityID: trig.CapabilityID,
	}
	if err := s.tasks.Create(task); err != nil {
		return fmt.Errorf("creating trigger task: %w", err)
	}

	// An errored worker gets another chance when its schedule comes up.
	if worker.Status == domain.WorkerError {
		if err := s.workers.UpdateStatus(worker.ID, domain.WorkerDormant); err != nil {
			log.Warn(log.CatTrigger, "resetting errored worker failed",
				"worker", worker.Name, "error", err)
		}
	}

	span.AddEvent(tracing.EventTriggerFired, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, task.ID),
		attribute.String(tracing.AttrWorkerName, worker.Name),
	))
	log.Info(log.CatTrigger, "trigger fired",
		"trigger", trig.ID, "title", trig.Title, "worker", worker.Name, "task", task.ID)
	return nil
}
