// Package pipeline drives stage runners in order, reconstructing in-memory
// state from storage on every invocation rather than keeping it resident
// across process restarts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/sferr"
	"github.com/oho/subflow/internal/stages"
)

// Orchestrator coordinates stage execution for all projects. It holds no
// per-project state beyond what's needed to cancel an in-flight run;
// durable progress lives entirely in storage.
type Orchestrator struct {
	deps *stages.Deps

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	logMu       sync.Mutex
	activityLog []activityEntry
}

type activityEntry struct {
	TS      string         `json:"ts"`
	Project string         `json:"project_id"`
	Stage   string         `json:"stage"`
	Action  string         `json:"action"`
	Detail  string         `json:"detail,omitempty"`
}

func NewOrchestrator(deps *stages.Deps) *Orchestrator {
	return &Orchestrator{deps: deps, cancels: make(map[string]context.CancelFunc)}
}

func (o *Orchestrator) emit(projectID, stage, action, detail string) {
	entry := activityEntry{TS: time.Now().UTC().Format("15:04:05"), Project: projectID, Stage: stage, Action: action, Detail: detail}
	o.logMu.Lock()
	o.activityLog = append(o.activityLog, entry)
	if len(o.activityLog) > 200 {
		o.activityLog = o.activityLog[len(o.activityLog)-200:]
	}
	o.logMu.Unlock()
}

// RecentActivity returns up to the last 50 activity entries, most recent
// last.
func (o *Orchestrator) RecentActivity() []activityEntry {
	o.logMu.Lock()
	defer o.logMu.Unlock()
	n := len(o.activityLog)
	if n > 50 {
		n = 50
	}
	out := make([]activityEntry, n)
	copy(out, o.activityLog[len(o.activityLog)-n:])
	return out
}

// Cancel interrupts a project's in-flight stage, if one is running.
func (o *Orchestrator) Cancel(projectID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[projectID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunStage drives project from its current stage through targetStage,
// inclusive. If the project has already reached or passed targetStage, it
// hydrates the context and returns without running anything.
func (o *Orchestrator) RunStage(ctx context.Context, project *models.Project, targetStage models.StageName) (*models.Project, *stages.Context, error) {
	targetIdx := models.StageIndex(targetStage)
	if targetIdx == 0 {
		return nil, nil, sferr.NewConfigurationError("unknown stage %q", targetStage)
	}

	sc, err := o.hydrateUpTo(project, project.CurrentStage)
	if err != nil {
		return nil, nil, err
	}

	if project.CurrentStage >= targetIdx {
		return project, sc, nil
	}

	if err := o.deps.DB.UpdateStatus(project.ID, models.ProjectProcessing, nil, nil); err != nil {
		return nil, nil, err
	}
	project.Status = models.ProjectProcessing

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[project.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, project.ID)
		o.mu.Unlock()
	}()

	for idx := project.CurrentStage + 1; idx <= targetIdx; idx++ {
		stageName := models.StageOrder[idx-1]
		runner, ok := stages.Runners[stageName]
		if !ok {
			return nil, nil, sferr.NewConfigurationError("no runner registered for stage %q", stageName)
		}

		o.emit(project.ID, string(stageName), "starting", "")
		if _, err := o.deps.DB.MarkRunning(project.ID, stageName); err != nil {
			return nil, nil, err
		}

		onUpdate := func(pid string, stage models.StageName, pct int) {}
		reporter := progress.New(o.deps.DB, project.ID, stageName, onUpdate)

		nextCtx, artifacts, runErr := runner.Run(runCtx, o.deps, project, sc, reporter)
		if runErr != nil {
			var cancellation *sferr.CancellationError
			if runCtx.Err() != nil && !errors.As(runErr, &cancellation) {
				runErr = &sferr.CancellationError{Stage: string(stageName)}
			}
			return o.failStage(project, stageName, runErr)
		}

		if err := o.deps.DB.SetArtifacts(project.ID, stageName, artifacts); err != nil {
			return nil, nil, err
		}
		if err := o.deps.DB.MarkCompleted(project.ID, stageName); err != nil {
			return nil, nil, err
		}
		if err := o.deps.DB.IncrementCurrentStage(project.ID); err != nil {
			return nil, nil, err
		}
		project.CurrentStage = idx
		sc = nextCtx
		o.emit(project.ID, string(stageName), "completed", "")
		slog.Info("stage completed", "project", project.ID, "stage", stageName)
	}

	if targetIdx == len(models.StageOrder) {
		if err := o.deps.DB.UpdateStatus(project.ID, models.ProjectCompleted, nil, nil); err != nil {
			return nil, nil, err
		}
		project.Status = models.ProjectCompleted
	}

	return project, sc, nil
}

func (o *Orchestrator) failStage(project *models.Project, stageName models.StageName, runErr error) (*models.Project, *stages.Context, error) {
	var cancellation *sferr.CancellationError
	if errors.As(runErr, &cancellation) {
		o.deps.DB.MarkFailed(project.ID, stageName, string(sferr.CodeCancelled), runErr.Error())
		o.deps.DB.UpdateStatus(project.ID, models.ProjectPaused, nil, strPtr(runErr.Error()))
		project.Status = models.ProjectPaused
		o.emit(project.ID, string(stageName), "cancelled", runErr.Error())
		return project, nil, runErr
	}

	code := string(sferr.CodeUnknown)
	var stageErr *sferr.StageExecutionError
	if errors.As(runErr, &stageErr) {
		code = string(stageErr.Code)
	}
	o.deps.DB.MarkFailed(project.ID, stageName, code, runErr.Error())
	o.deps.DB.AppendError(project.ID, runErr.Error())
	o.deps.DB.UpdateStatus(project.ID, models.ProjectFailed, nil, strPtr(runErr.Error()))
	project.Status = models.ProjectFailed
	o.emit(project.ID, string(stageName), "failed", runErr.Error())
	slog.Error("stage failed", "project", project.ID, "stage", stageName, "error", runErr)
	return project, nil, runErr
}

// RetryStage resets stageName and every downstream stage to pending, then
// re-runs from there through stageName.
func (o *Orchestrator) RetryStage(ctx context.Context, project *models.Project, stageName models.StageName) (*models.Project, *stages.Context, error) {
	stageIdx := models.StageIndex(stageName)
	if stageIdx == 0 {
		return nil, nil, sferr.NewConfigurationError("unknown stage %q", stageName)
	}
	if project.CurrentStage < stageIdx-1 {
		return nil, nil, fmt.Errorf("cannot retry stage %q: project has not reached its prerequisites", stageName)
	}

	if err := deleteByProjectFor(o.deps, project.ID, stageName); err != nil {
		return nil, nil, err
	}
	if stageIdx >= models.StageIndex(models.StageLLMASRCorrection) {
		if err := o.deps.DB.ClearCorrectedTexts(project.ID); err != nil {
			return nil, nil, err
		}
	}

	if err := o.deps.DB.SetCurrentStage(project.ID, stageIdx-1); err != nil {
		return nil, nil, err
	}
	project.CurrentStage = stageIdx - 1

	for idx := stageIdx; idx <= len(models.StageOrder); idx++ {
		if err := o.deps.DB.ResetToPending(project.ID, models.StageOrder[idx-1]); err != nil {
			return nil, nil, err
		}
	}

	o.emit(project.ID, string(stageName), "retry", "")
	return o.RunStage(ctx, project, stageName)
}

// deleteByProjectFor removes the rows a stage owns, ahead of re-running it.
func deleteByProjectFor(deps *stages.Deps, projectID string, stageName models.StageName) error {
	switch stageName {
	case models.StageVAD:
		return deps.DB.DeleteVADRegionsByProject(projectID)
	case models.StageASR:
		if err := deps.DB.DeleteASRSegmentsByProject(projectID); err != nil {
			return err
		}
		return deps.DB.DeleteASRMergedChunksByProject(projectID)
	case models.StageLLMASRCorrection:
		return deps.DB.ClearCorrectedTexts(projectID)
	case models.StageLLM:
		if err := deps.DB.DeleteGlobalContext(projectID); err != nil {
			return err
		}
		return deps.DB.DeleteSemanticChunksByProject(projectID)
	default:
		return nil
	}
}

// hydrateUpTo reconstructs the in-memory execution context for every stage
// already completed (index 1..upTo), reading exclusively from storage
func (o *Orchestrator) hydrateUpTo(project *models.Project, upTo int) (*stages.Context, error) {
	sc := &stages.Context{}
	if upTo < 1 {
		return sc, nil
	}

	stage1, err := stages.HydrateAudioPreprocess(o.deps, project)
	if err != nil {
		return nil, err
	}
	sc.VocalsAudioPath = stage1.VocalsAudioPath
	sc.AudioHash = stage1.AudioHash
	sc.VocalsHash = stage1.VocalsHash
	if upTo < 2 {
		return sc, nil
	}

	regions, err := stages.HydrateVAD(o.deps, project)
	if err != nil {
		return nil, err
	}
	sc.VADRegions = regions
	if upTo < 3 {
		return sc, nil
	}

	segments, merged, transcript, err := stages.HydrateASR(o.deps, project)
	if err != nil {
		return nil, err
	}
	sc.ASRSegments, sc.MergedChunks, sc.FullTranscript = segments, merged, transcript
	if upTo < 4 {
		return sc, nil
	}

	// llm_asr_correction mutates ASRSegment.CorrectedText in place; no
	// separate hydration step beyond what HydrateASR already loaded.
	if upTo < 5 {
		return sc, nil
	}

	gc, chunks, err := stages.HydrateLLM(o.deps, project)
	if err != nil {
		return nil, err
	}
	sc.GlobalContext = gc
	sc.SemanticChunks = chunks
	return sc, nil
}

func strPtr(s string) *string { return &s }
