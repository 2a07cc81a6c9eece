// Package supervisor keeps one worker process alive per project with
// work to do. Each scan reconciles recorded worker processes against OS
// reality, spawns dormant workers that own live tasks, fires due time
// triggers, and periodically syncs the skill and capability manifest.
// The supervisor never kills workers; they exit on their own when idle.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/runtime"
	"github.com/zjrosen/foreman/internal/skills"
	"github.com/zjrosen/foreman/internal/store"
	"github.com/zjrosen/foreman/internal/tracing"
)

// Config tunes the supervisor loop.
type Config struct {
	// ScanInterval is the reconciliation cadence.
	ScanInterval time.Duration
	// Staleness is how old a dead worker's record must be before it is
	// respawned instead of marked errored.
	Staleness time.Duration
	// ManifestSync is the cadence of the skill/capability manifest sync.
	ManifestSync time.Duration
}

// child is the in-memory handle to a spawned worker process.
type child struct {
	workerID string
	name     string
	pid      int
	session  string
}

// Supervisor owns the scan loop.
type Supervisor struct {
	cfg      Config
	workers  *store.WorkerRepository
	tasks    *store.TaskRepository
	triggers *store.TriggerRepository
	manifest *store.ManifestRepository
	lib      *skills.Library
	spawner  Spawner
	tracer   trace.Tracer

	children map[string]*child
	lastSync time.Time

	// liveness probes, swappable in tests
	alive        func(pid int) bool
	sessionAlive func(session string) bool
}

// New creates a supervisor.
func New(cfg Config, db *store.DB, spawner Spawner, lib *skills.Library, tp *tracing.Provider) *Supervisor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 3 * time.Second
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 30 * time.Second
	}
	if cfg.ManifestSync <= 0 {
		cfg.ManifestSync = time.Minute
	}
	return &Supervisor{
		cfg:          cfg,
		workers:      db.WorkerRepository(),
		tasks:        db.TaskRepository(),
		triggers:     db.TriggerRepository(),
		manifest:     db.ManifestRepository(),
		lib:          lib,
		spawner:      spawner,
		tracer:       tp.Tracer(),
		children:     make(map[string]*child),
		alive:        runtime.ProcessAlive,
		sessionAlive: tmuxSessionAlive,
	}
}

// Run executes the scan loop until the context is cancelled. Store
// failures are fatal: the supervisor exits and its own process manager
// restarts it. Cancellation detaches without touching workers.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info(log.CatSuper, "supervisor started",
		"scan_interval", s.cfg.ScanInterval, "staleness", s.cfg.Staleness)

	s.syncManifest()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSuper, "supervisor stopping, workers stay up",
				"children", len(s.children))
			return nil
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				log.Error(log.CatSuper, "scan failed, exiting", "error", err)
				return fmt.Errorf("supervisor scan: %w", err)
			}
		}
	}
}

// scan is one reconciliation pass.
func (s *Supervisor) scan(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixSupervisor+"scan")
	defer span.End()

	if err := s.reconcile(ctx); err != nil {
		return err
	}
	if err := s.sweep(ctx); err != nil {
		return err
	}
	if err := s.fireTriggers(ctx); err != nil {
		return err
	}
	if time.Since(s.lastSync) >= s.cfg.ManifestSync {
		s.syncManifest()
	}
	return nil
}

// reconcile discards exited child handles, then settles every active
// worker record with no live process: a record with an old heartbeat is
// respawned; a fresh one is marked errored so a crash-looping worker
// does not turn into a spawn storm.
func (s *Supervisor) reconcile(ctx context.Context) error {
	for id, c := range s.children {
		if !s.childAlive(c) {
			log.Info(log.CatSuper, "worker process exited",
				"worker", c.name, "pid", c.pid, "session", c.session)
			delete(s.children, id)
		}
	}

	active, err := s.workers.ListActive()
	if err != nil {
		return fmt.Errorf("listing active workers: %w", err)
	}
	for _, worker := range active {
		if _, tracked := s.children[worker.ID]; tracked {
			continue
		}
		if s.recordAlive(worker) {
			continue
		}

		if time.Since(worker.UpdatedAt) < s.cfg.Staleness {
			log.Warn(log.CatSuper, "active worker died with a fresh heartbeat, marking errored",
				"worker", worker.Name, "pid", worker.PID)
			if err := s.workers.UpdateStatus(worker.ID, domain.WorkerError); err != nil {
				log.Warn(log.CatSuper, "marking worker errored failed", "worker", worker.Name, "error", err)
			}
			if err := s.workers.ClearProcess(worker.ID); err != nil {
				log.Warn(log.CatSuper, "clearing worker process failed", "worker", worker.Name, "error", err)
			}
			continue
		}

		log.Warn(log.CatSuper, "respawning stale active worker",
			"worker", worker.Name, "pid", worker.PID)
		if err := s.workers.ClearProcess(worker.ID); err != nil {
			log.Warn(log.CatSuper, "clearing worker process failed", "worker", worker.Name, "error", err)
		}
		s.spawn(ctx, worker)
	}
	return nil
}

// sweep spawns dormant workers that own live tasks.
func (s *Supervisor) sweep(ctx context.Context) error {
	dormant, err := s.workers.ListDormantWithWork()
	if err != nil {
		return fmt.Errorf("listing dormant workers: %w", err)
	}
	for _, worker := range dormant {
		if _, tracked := s.children[worker.ID]; tracked {
			continue
		}
		if s.recordAlive(worker) {
			// Spawned before a supervisor restart and not yet active.
			continue
		}
		s.spawn(ctx, worker)
	}
	return nil
}

// spawn launches one worker child and records its process.
func (s *Supervisor) spawn(ctx context.Context, worker *domain.Worker) {
	_, span := s.tracer.Start(ctx, tracing.SpanPrefixSupervisor+"spawn", trace.WithAttributes(
		attribute.String(tracing.AttrWorkerID, worker.ID),
		attribute.String(tracing.AttrWorkerName, worker.Name),
	))
	defer span.End()

	pid, session, err := s.spawner.Spawn(ctx, worker)
	if err != nil {
		log.Error(log.CatSuper, "spawning worker failed", "worker", worker.Name, "error", err)
		if uerr := s.workers.UpdateStatus(worker.ID, domain.WorkerError); uerr != nil {
			log.Warn(log.CatSuper, "marking worker errored failed", "worker", worker.Name, "error", uerr)
		}
		return
	}

	if err := s.workers.SetProcess(worker.ID, pid, session); err != nil {
		log.Warn(log.CatSuper, "recording worker process failed", "worker", worker.Name, "error", err)
	}
	s.children[worker.ID] = &child{workerID: worker.ID, name: worker.Name, pid: pid, session: session}
	log.Info(log.CatSuper, "worker spawned",
		"worker", worker.Name, "pid", pid, "session", session)
}

func (s *Supervisor) childAlive(c *child) bool {
	if c.pid > 0 && s.alive(c.pid) {
		return true
	}
	if c.session != "" && s.sessionAlive(c.session) {
		return true
	}
	return false
}

// recordAlive probes the process id and liveness session recorded on
// the worker row.
func (s *Supervisor) recordAlive(worker *domain.Worker) bool {
	if worker.HasProcess() && s.alive(worker.PID) {
		return true
	}
	if worker.LivenessSession != "" && s.sessionAlive(worker.LivenessSession) {
		return true
	}
	return false
}

// syncManifest upserts discovered skills and the built-in capability
// policies. Cheap and idempotent.
func (s *Supervisor) syncManifest() {
	s.lastSync = time.Now()

	refs, err := s.lib.Discover()
	if err != nil {
		log.Warn(log.CatSkills, "skill discovery failed", "error", err)
	}
	for _, ref := range refs {
		if err := s.manifest.UpsertSkill(ref.Name, ref.Description, ref.Path); err != nil {
			log.Warn(log.CatSkills, "upserting skill failed", "skill", ref.Name, "error", err)
		}
	}
	for _, policy := range skills.BuiltinCapabilities() {
		if err := s.manifest.UpsertCapability(policy); err != nil {
			log.Warn(log.CatSkills, "upserting capability failed", "capability", policy.ID, "error", err)
		}
	}
	log.Debug(log.CatSkills, "manifest synced", "skills", len(refs))
}
