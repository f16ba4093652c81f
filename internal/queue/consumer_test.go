package queue

import (
	"testing"
	"time"

	"github.com/oho/subflow/internal/models"
)

type fakeRepo struct {
	stale          []*models.Project
	runsByProject  map[string][]*models.StageRun
	statusUpdates  map[string]models.ProjectStatus
	stageUpdates   map[string]int
}

func (f *fakeRepo) FindStaleProcessing(maxAge time.Duration, limit int) ([]*models.Project, error) {
	return f.stale, nil
}

func (f *fakeRepo) ListStageRunsByProject(projectID string) ([]*models.StageRun, error) {
	return f.runsByProject[projectID], nil
}

func (f *fakeRepo) UpdateStatus(id string, status models.ProjectStatus, currentStage *int, errMsg *string) error {
	f.statusUpdates[id] = status
	if currentStage != nil {
		f.stageUpdates[id] = *currentStage
	}
	return nil
}

func (f *fakeRepo) SetCurrentStage(id string, stage int) error {
	f.stageUpdates[id] = stage
	return nil
}

func (f *fakeRepo) GetProject(id string) (*models.Project, error) {
	for _, p := range f.stale {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		runsByProject: map[string][]*models.StageRun{},
		statusUpdates: map[string]models.ProjectStatus{},
		stageUpdates:  map[string]int{},
	}
}

func completedRun(stage models.StageName) *models.StageRun {
	return &models.StageRun{Stage: stage, Status: models.StageCompleted}
}

func TestRecoverStaleProcessingMarksFullyCompletedProjects(t *testing.T) {
	repo := newFakeRepo()
	repo.stale = []*models.Project{{ID: "p1", CurrentStage: 3}}
	repo.runsByProject["p1"] = []*models.StageRun{
		completedRun(models.StageAudioPreprocess),
		completedRun(models.StageVAD),
		completedRun(models.StageASR),
		completedRun(models.StageLLMASRCorrection),
		completedRun(models.StageLLM),
	}

	c := NewConsumer(repo, nil, nil, 4)
	if err := c.RecoverStaleProcessing(t.Context()); err != nil {
		t.Fatalf("RecoverStaleProcessing: %v", err)
	}

	if repo.statusUpdates["p1"] != models.ProjectCompleted {
		t.Fatalf("expected p1 marked completed, got %v", repo.statusUpdates["p1"])
	}
	if repo.stageUpdates["p1"] != 5 {
		t.Fatalf("expected current_stage=5, got %d", repo.stageUpdates["p1"])
	}
}

func TestRecoverStaleProcessingReconcilesPartialProjects(t *testing.T) {
	repo := newFakeRepo()
	repo.stale = []*models.Project{{ID: "p2", CurrentStage: 4}}
	repo.runsByProject["p2"] = []*models.StageRun{
		completedRun(models.StageAudioPreprocess),
		completedRun(models.StageVAD),
		{Stage: models.StageASR, Status: models.StageRunning},
	}

	c := NewConsumer(repo, nil, nil, 4)
	if err := c.RecoverStaleProcessing(t.Context()); err != nil {
		t.Fatalf("RecoverStaleProcessing: %v", err)
	}

	if _, marked := repo.statusUpdates["p2"]; marked {
		t.Fatalf("partial project should not be marked completed")
	}
	if repo.stageUpdates["p2"] != 2 {
		t.Fatalf("expected current_stage reconciled to 2, got %d", repo.stageUpdates["p2"])
	}
}
