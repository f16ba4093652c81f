// Package queue implements a worker loop that pops project tasks and
// drives them through the pipeline orchestrator, with crash recovery on
// startup and per-project serialization.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/pipeline"
	"github.com/oho/subflow/internal/projectstore"
)

// TaskType enumerates the dispatchable task shapes.
type TaskType string

const (
	TaskRunAll      TaskType = "run_all"
	TaskRunStage    TaskType = "run_stage"
	TaskRetryStage  TaskType = "retry_stage"
)

// Task is one unit of queued work.
type Task struct {
	Type      TaskType
	ProjectID string
	Stage     models.StageName
	FromStage models.StageName
}

const staleProcessingThreshold = 10 * time.Minute

// repository is the subset of *storage.Database the consumer needs for
// crash recovery and dispatch bookkeeping.
type repository interface {
	FindStaleProcessing(maxAge time.Duration, limit int) ([]*models.Project, error)
	ListStageRunsByProject(projectID string) ([]*models.StageRun, error)
	UpdateStatus(id string, status models.ProjectStatus, currentStage *int, errMsg *string) error
	SetCurrentStage(id string, stage int) error
	GetProject(id string) (*models.Project, error)
}

// Consumer is a single-process worker loop over an in-memory task channel.
// Per-project serialization is enforced by routing each project id to the
// same worker goroutine via a hash-free per-project mutex map, matching
// per-project serialization without needing a partitioned broker.
type Consumer struct {
	db           repository
	orchestrator *pipeline.Orchestrator
	cache        *projectstore.Store
	tasks        chan Task

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewConsumer(db repository, orchestrator *pipeline.Orchestrator, cache *projectstore.Store, queueDepth int) *Consumer {
	return &Consumer{
		db:           db,
		orchestrator: orchestrator,
		cache:        cache,
		tasks:        make(chan Task, queueDepth),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Enqueue submits a task for asynchronous processing.
func (c *Consumer) Enqueue(t Task) {
	c.tasks <- t
}

func (c *Consumer) lockFor(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[projectID] = l
	}
	return l
}

// RecoverStaleProcessing handles crash recovery: for every project stuck
// in status=processing past the staleness threshold, reconcile current_stage
// against its stage runs' actual completion state.
func (c *Consumer) RecoverStaleProcessing(ctx context.Context) error {
	stale, err := c.db.FindStaleProcessing(staleProcessingThreshold, 1000)
	if err != nil {
		return err
	}
	for _, p := range stale {
		runs, err := c.db.ListStageRunsByProject(p.ID)
		if err != nil {
			slog.Error("crash recovery: list stage runs failed", "project", p.ID, "error", err)
			continue
		}

		completed := map[models.StageName]bool{}
		for _, r := range runs {
			if r.Status == models.StageCompleted {
				completed[r.Stage] = true
			}
		}

		maxCompleted := 0
		allCompleted := true
		for i, stage := range models.StageOrder {
			if completed[stage] {
				maxCompleted = i + 1
			} else {
				allCompleted = false
			}
		}

		if allCompleted {
			if err := c.db.UpdateStatus(p.ID, models.ProjectCompleted, &maxCompleted, nil); err != nil {
				slog.Error("crash recovery: mark completed failed", "project", p.ID, "error", err)
			}
			slog.Info("crash recovery: marked completed", "project", p.ID)
			continue
		}

		if err := c.db.SetCurrentStage(p.ID, maxCompleted); err != nil {
			slog.Error("crash recovery: reconcile current_stage failed", "project", p.ID, "error", err)
			continue
		}
		slog.Info("crash recovery: reconciled current_stage", "project", p.ID, "current_stage", maxCompleted)
	}
	return nil
}

// Run processes tasks from the internal channel until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.tasks:
			c.dispatch(ctx, t)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, t Task) {
	lock := c.lockFor(t.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := c.db.GetProject(t.ProjectID)
	if err != nil || project == nil {
		slog.Error("queue: project not found", "project", t.ProjectID, "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: task panicked", "project", t.ProjectID, "task", t.Type, "recover", r)
			c.db.UpdateStatus(t.ProjectID, models.ProjectFailed, nil, nil)
		}
	}()

	switch t.Type {
	case TaskRunAll:
		// RunStage always starts from project.current_stage+1 regardless of
		// FromStage; the field exists for callers/logging, not as an input
		// to the orchestrator, which derives its own starting point from
		// durable state.
		target := models.StageOrder[len(models.StageOrder)-1]
		if _, _, err := c.orchestrator.RunStage(ctx, project, target); err != nil {
			slog.Error("queue: run_all failed", "project", t.ProjectID, "error", err)
			return
		}
	case TaskRunStage:
		if _, _, err := c.orchestrator.RunStage(ctx, project, t.Stage); err != nil {
			slog.Error("queue: run_stage failed", "project", t.ProjectID, "stage", t.Stage, "error", err)
			return
		}
		terminal := models.StageIndex(t.Stage) == len(models.StageOrder)
		if project.AutoWorkflow && !terminal {
			c.Enqueue(Task{Type: TaskRunAll, ProjectID: t.ProjectID, FromStage: nextStage(t.Stage)})
		} else if !terminal {
			c.db.UpdateStatus(t.ProjectID, models.ProjectPaused, nil, nil)
		}
	case TaskRetryStage:
		if _, _, err := c.orchestrator.RetryStage(ctx, project, t.Stage); err != nil {
			slog.Error("queue: retry_stage failed", "project", t.ProjectID, "stage", t.Stage, "error", err)
			return
		}
	}

	if c.cache != nil {
		if refreshed, err := c.db.GetProject(t.ProjectID); err == nil && refreshed != nil {
			c.cache.Save(ctx, refreshed)
		}
	}
}

func nextStage(s models.StageName) models.StageName {
	idx := models.StageIndex(s)
	if idx == 0 || idx >= len(models.StageOrder) {
		return s
	}
	return models.StageOrder[idx]
}
