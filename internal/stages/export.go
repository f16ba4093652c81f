package stages

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/sferr"
)

const exportStageName = "export"
const subtitlesArtifactName = "subtitles.srt"

// Export is the supplemental export stage: renders the project's
// semantic chunks into an SRT subtitle file. It is not part of the
// current_stage 1..5 domain; the orchestrator's RunStage rejects "export" as
// an unknown stage, and neither the orchestrator nor the queue consumer
// calls Run.
type Export struct{}

func (Export) Run(deps *Deps, project *models.Project, chunks []models.SemanticChunk, segments []models.ASRSegment) (*models.SubtitleExport, error) {
	segmentsByID := map[int]models.ASRSegment{}
	for _, s := range segments {
		segmentsByID[s.ID] = s
	}

	var srt strings.Builder
	for i, chunk := range chunks {
		if len(chunk.ASRSegmentIDs) == 0 {
			continue
		}
		start := segmentsByID[chunk.ASRSegmentIDs[0]].Start
		end := segmentsByID[chunk.ASRSegmentIDs[len(chunk.ASRSegmentIDs)-1]].End
		fmt.Fprintf(&srt, "%d\n%s --> %s\n%s\n%s\n\n", i+1, srtTimestamp(start), srtTimestamp(end), chunk.CorrectedText, chunk.Translation)
	}

	identifier, err := deps.Artifacts.Save(project.ID, exportStageName, subtitlesArtifactName, []byte(srt.String()))
	if err != nil {
		return nil, sferr.NewStageExecutionError(exportStageName, project.ID, sferr.CodeExportFailed, err)
	}

	export := &models.SubtitleExport{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		Format:      models.FormatSRT,
		ContentMode: models.ContentBoth,
		StorageKeys: []string{identifier},
		Source:      models.ExportAuto,
		CreatedAt:   time.Now().UTC(),
	}
	if err := deps.DB.CreateSubtitleExport(export); err != nil {
		return nil, sferr.NewStageExecutionError(exportStageName, project.ID, sferr.CodeExportFailed, err)
	}
	return export, nil
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	hours := totalMs / 3_600_000
	totalMs %= 3_600_000
	minutes := totalMs / 60_000
	totalMs %= 60_000
	secs := totalMs / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, ms)
}
