package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oho/subflow/internal/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subflow.db")
	db, err := NewDatabase(path)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProjectCRUD(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := db.GetProject("p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got == nil || got.Status != models.ProjectPending || got.CurrentStage != 0 {
		t.Fatalf("unexpected project: %+v", got)
	}

	stage := 2
	if err := db.UpdateStatus("p1", models.ProjectProcessing, &stage, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ = db.GetProject("p1")
	if got.Status != models.ProjectProcessing || got.CurrentStage != 2 {
		t.Fatalf("status/current_stage not updated: %+v", got)
	}

	if err := db.SetArtifacts("p1", models.StageVAD, map[string]string{"vad_regions.json": "local:p1/vad/vad_regions.json"}); err != nil {
		t.Fatalf("SetArtifacts: %v", err)
	}
	got, _ = db.GetProject("p1")
	if got.Artifacts["vad"]["vad_regions.json"] == "" {
		t.Fatalf("artifact not recorded: %+v", got.Artifacts)
	}
}

func TestStageRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	sr, err := db.MarkRunning("p1", models.StageVAD)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if sr.Status != models.StageRunning || sr.StartedAt == nil {
		t.Fatalf("unexpected stage run after MarkRunning: %+v", sr)
	}

	if err := db.SetProgress("p1", models.StageVAD, 50, "halfway", nil); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	sr, _ = db.GetStageRun("p1", models.StageVAD)
	if sr.Progress != 50 || sr.ProgressMessage != "halfway" {
		t.Fatalf("progress not persisted: %+v", sr)
	}

	if err := db.MarkCompleted("p1", models.StageVAD); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	sr, _ = db.GetStageRun("p1", models.StageVAD)
	if sr.Status != models.StageCompleted || sr.Progress != 100 || sr.CompletedAt == nil {
		t.Fatalf("unexpected stage run after MarkCompleted: %+v", sr)
	}

	if err := db.ResetToPending("p1", models.StageVAD); err != nil {
		t.Fatalf("ResetToPending: %v", err)
	}
	sr, _ = db.GetStageRun("p1", models.StageVAD)
	if sr.Status != models.StagePending || sr.StartedAt != nil || sr.CompletedAt != nil {
		t.Fatalf("stage run not reset: %+v", sr)
	}
}

func TestASRSegmentsContiguousAndCorrections(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateProject(models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	segs := []models.ASRSegment{
		{ID: 0, Start: 0, End: 1, Text: "hello"},
		{ID: 1, Start: 1, End: 2, Text: "world"},
	}
	if err := db.BulkInsertASRSegments("p1", segs); err != nil {
		t.Fatalf("BulkInsertASRSegments: %v", err)
	}

	if err := db.UpdateCorrectedTexts("p1", map[int]string{0: "Hello"}); err != nil {
		t.Fatalf("UpdateCorrectedTexts: %v", err)
	}
	got, err := db.GetASRSegmentsByProject("p1")
	if err != nil {
		t.Fatalf("GetASRSegmentsByProject: %v", err)
	}
	if len(got) != 2 || got[0].ResolvedText() != "Hello" || got[1].ResolvedText() != "world" {
		t.Fatalf("unexpected segments: %+v", got)
	}

	if err := db.ClearCorrectedTexts("p1"); err != nil {
		t.Fatalf("ClearCorrectedTexts: %v", err)
	}
	got, _ = db.GetASRSegmentsByProject("p1")
	if got[0].ResolvedText() != "hello" {
		t.Fatalf("correction not cleared: %+v", got[0])
	}
}

func TestSemanticChunksRoundTrip(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateProject(models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	chunks := []models.SemanticChunk{
		{
			ProjectID:     "p1",
			ChunkIndex:    0,
			CorrectedText: "hello world",
			Translation:   "你好 世界",
			ASRSegmentIDs: []int{0, 1},
			TranslationChunks: []models.TranslationChunk{
				{SegmentID: 0, Text: "你好"},
				{SegmentID: 1, Text: "世界"},
			},
		},
	}
	if err := db.BulkInsertSemanticChunks("p1", chunks); err != nil {
		t.Fatalf("BulkInsertSemanticChunks: %v", err)
	}
	got, err := db.GetSemanticChunksByProject("p1")
	if err != nil {
		t.Fatalf("GetSemanticChunksByProject: %v", err)
	}
	if len(got) != 1 || len(got[0].TranslationChunks) != 2 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
	if got[0].TranslationChunks[0].Text != "你好" {
		t.Fatalf("translation chunk mismatch: %+v", got[0].TranslationChunks)
	}

	if err := db.DeleteSemanticChunksByProject("p1"); err != nil {
		t.Fatalf("DeleteSemanticChunksByProject: %v", err)
	}
	got, _ = db.GetSemanticChunksByProject("p1")
	if len(got) != 0 {
		t.Fatalf("expected no chunks after delete, got %d", len(got))
	}
}

func TestFindStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	stage := 2
	if err := db.UpdateStatus("p1", models.ProjectProcessing, &stage, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	// Force updated_at into the past so it looks stale.
	if _, err := db.DB().Exec(`UPDATE projects SET updated_at=? WHERE id=?`,
		time.Now().UTC().Add(-20*time.Minute).Format(time.RFC3339Nano), "p1"); err != nil {
		t.Fatalf("backdate updated_at: %v", err)
	}

	stale, err := db.FindStaleProcessing(10*time.Minute, 10)
	if err != nil {
		t.Fatalf("FindStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "p1" {
		t.Fatalf("expected p1 to be stale, got %+v", stale)
	}
}
