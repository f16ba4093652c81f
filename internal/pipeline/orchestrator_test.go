package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oho/subflow/internal/artifactstore"
	"github.com/oho/subflow/internal/blobstore"
	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/providers/llm"
	"github.com/oho/subflow/internal/stages"
	"github.com/oho/subflow/internal/storage"
)

type fakeAudio struct{}

func (fakeAudio) ExtractAudio(ctx context.Context, input, out string, maxDurationS float64) error {
	return os.WriteFile(out, []byte("extracted-audio"), 0o644)
}

func (fakeAudio) SeparateVocals(ctx context.Context, audio, outDir string) (string, error) {
	return audio, nil
}

func (fakeAudio) NormalizeAudio(ctx context.Context, in, out string, targetDB float64) (string, error) {
	return in, nil
}

func (fakeAudio) CutSegment(ctx context.Context, in, out string, start, end float64) error {
	return os.WriteFile(out, []byte("segment"), 0o644)
}

func (fakeAudio) Close() error { return nil }

type fakeVAD struct{}

func (fakeVAD) Detect(ctx context.Context, audioPath string) ([]providers.VADRegion, error) {
	regions, _, err := fakeVAD{}.DetectWithProbs(ctx, audioPath)
	return regions, err
}

func (fakeVAD) DetectWithProbs(ctx context.Context, audioPath string) ([]providers.VADRegion, []float32, error) {
	return []providers.VADRegion{{Start: 0, End: 2}, {Start: 2.5, End: 4}}, []float32{0.1, 0.9}, nil
}

func (fakeVAD) FrameHopS() float64 { return 0.02 }
func (fakeVAD) Close() error       { return nil }

type fakeASR struct{ calls int }

func (f *fakeASR) Transcribe(ctx context.Context, audioPath, language string) ([]providers.ASRSegmentResult, error) {
	return nil, nil
}

func (f *fakeASR) TranscribeSegment(ctx context.Context, audioPath string, start, end float64) (string, error) {
	f.calls++
	return "hello world", nil
}

func (f *fakeASR) TranscribeBatch(ctx context.Context, paths []string, language string) ([]string, error) {
	return nil, nil
}

func (f *fakeASR) Close() error { return nil }

func newTestDeps(t *testing.T) *stages.Deps {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "subflow.db")
	db, err := storage.NewDatabase(dbPath)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Audio.SkipDemucs = true

	tracker := concurrency.NewTracker(map[concurrency.Service]int{
		concurrency.ServiceASR: 2, concurrency.ServiceLLMFast: 2, concurrency.ServiceLLMPower: 2,
	})

	return &stages.Deps{
		Config:    cfg,
		DB:        db,
		Artifacts: artifactstore.NewLocal(t.TempDir()),
		Blobs:     blobstore.New(db, t.TempDir()),
		Tracker:   tracker,
		HealthMon: health.NewMonitor(nil, 0),
		AudioP:    fakeAudio{},
		VADP:      fakeVAD{},
		ASRP:      &fakeASR{},
		LLMFast:   llm.NewNoop("fast-model", "fast"),
		LLMPower:  llm.NewNoop("power-model", "power"),
	}
}

func newTestProject(t *testing.T, deps *stages.Deps, id string) *models.Project {
	t.Helper()
	mediaPath := filepath.Join(t.TempDir(), "input.mp4")
	if err := os.WriteFile(mediaPath, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p := models.NewProject(id, "demo", mediaPath, "fr")
	if err := deps.DB.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestRunStageDrivesAllCoreStages(t *testing.T) {
	deps := newTestDeps(t)
	project := newTestProject(t, deps, "p1")
	orch := NewOrchestrator(deps)

	got, sc, err := orch.RunStage(context.Background(), project, models.StageLLM)
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if got.Status != models.ProjectCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	if got.CurrentStage != 5 {
		t.Fatalf("current_stage = %d, want 5", got.CurrentStage)
	}
	if len(sc.ASRSegments) != 2 {
		t.Fatalf("expected 2 ASR segments, got %d", len(sc.ASRSegments))
	}
	if len(sc.SemanticChunks) == 0 {
		t.Fatalf("expected semantic chunks from trivial fallback chunking")
	}

	runs, err := deps.DB.ListStageRunsByProject("p1")
	if err != nil {
		t.Fatalf("ListStageRunsByProject: %v", err)
	}
	for _, r := range runs {
		if r.Status != models.StageCompleted {
			t.Fatalf("stage %s status = %v, want completed", r.Stage, r.Status)
		}
	}
}

func TestRunStageStopsAtRequestedStage(t *testing.T) {
	deps := newTestDeps(t)
	project := newTestProject(t, deps, "p2")
	orch := NewOrchestrator(deps)

	got, _, err := orch.RunStage(context.Background(), project, models.StageASR)
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if got.CurrentStage != 3 {
		t.Fatalf("current_stage = %d, want 3", got.CurrentStage)
	}
	if got.Status == models.ProjectCompleted {
		t.Fatalf("project should not be completed after a partial run")
	}
}

func TestRetryStageResetsDownstream(t *testing.T) {
	deps := newTestDeps(t)
	project := newTestProject(t, deps, "p3")
	orch := NewOrchestrator(deps)

	if _, _, err := orch.RunStage(context.Background(), project, models.StageLLM); err != nil {
		t.Fatalf("RunStage: %v", err)
	}

	project, err := deps.DB.GetProject("p3")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}

	got, sc, err := orch.RetryStage(context.Background(), project, models.StageASR)
	if err != nil {
		t.Fatalf("RetryStage: %v", err)
	}
	if got.CurrentStage != 3 {
		t.Fatalf("current_stage after retry = %d, want 3 (asr re-run, downstream not yet re-run)", got.CurrentStage)
	}
	if len(sc.ASRSegments) != 2 {
		t.Fatalf("expected asr segments re-populated, got %d", len(sc.ASRSegments))
	}

	llmRun, err := deps.DB.GetStageRun("p3", models.StageLLM)
	if err != nil {
		t.Fatalf("GetStageRun: %v", err)
	}
	if llmRun.Status != models.StagePending {
		t.Fatalf("expected downstream llm stage reset to pending, got %v", llmRun.Status)
	}
}

func TestHydrationSkipsAlreadyCompletedStages(t *testing.T) {
	deps := newTestDeps(t)
	project := newTestProject(t, deps, "p4")
	orch := NewOrchestrator(deps)

	if _, _, err := orch.RunStage(context.Background(), project, models.StageASR); err != nil {
		t.Fatalf("RunStage first pass: %v", err)
	}
	asrProvider := deps.ASRP.(*fakeASR)
	callsAfterFirstRun := asrProvider.calls

	project, err := deps.DB.GetProject("p4")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}

	if _, _, err := orch.RunStage(context.Background(), project, models.StageASR); err != nil {
		t.Fatalf("RunStage second pass: %v", err)
	}
	if asrProvider.calls != callsAfterFirstRun {
		t.Fatalf("expected no additional ASR calls on already-completed stage, got %d more", asrProvider.calls-callsAfterFirstRun)
	}
}
