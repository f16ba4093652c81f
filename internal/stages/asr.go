package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/sferr"
)

const (
	mergedChunkMaxSegments  = 20
	mergedChunkMaxDurationS = 60.0
)

// ASR is the asr (stage 3) runner.
type ASR struct{}

func (ASR) Stage() models.StageName { return models.StageASR }

type asrOutcome struct {
	text string
}

func (ASR) Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error) {
	if err := deps.DB.DeleteASRSegmentsByProject(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}
	if err := deps.DB.DeleteASRMergedChunksByProject(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}

	workDir, err := os.MkdirTemp("", "subflow-asr-"+project.ID+"-")
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}
	defer os.RemoveAll(workDir)

	total := len(sc.VADRegions)
	outcomes := make([]asrOutcome, total)
	g, gctx := errgroup.WithContext(ctx)
	var completed int32

	for i, region := range sc.VADRegions {
		i, region := i, region
		g.Go(func() error {
			permit := deps.Tracker.Acquire(concurrency.ServiceASR)
			defer permit.Release()

			segPath := filepath.Join(workDir, fmt.Sprintf("seg_%06d.wav", i))
			if err := deps.AudioP.CutSegment(gctx, sc.VocalsAudioPath, segPath, region.Start, region.End); err != nil {
				return err
			}
			text, err := deps.ASRP.TranscribeSegment(gctx, segPath, region.Start, region.End)
			if err != nil {
				return err
			}
			outcomes[i] = asrOutcome{text: text}

			n := atomic.AddInt32(&completed, 1)
			active, max := deps.Tracker.Snapshot(concurrency.ServiceASR)
			reporter.ReportMetrics(int(100*n/int32(maxInt(total, 1))), "transcribing speech regions", models.StageMetrics{
				ItemsProcessed: int(n), ItemsTotal: total, ActiveTasks: active, MaxConcurrent: max,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}

	segments := make([]models.ASRSegment, 0, total)
	var transcriptParts []string
	for i, o := range outcomes {
		segments = append(segments, models.ASRSegment{
			ProjectID: project.ID,
			ID:        i,
			Start:     sc.VADRegions[i].Start,
			End:       sc.VADRegions[i].End,
			Text:      o.text,
		})
		if strings.TrimSpace(o.text) != "" {
			transcriptParts = append(transcriptParts, o.text)
		}
	}
	sort.Slice(segments, func(a, b int) bool { return segments[a].ID < segments[b].ID })

	if err := deps.DB.BulkInsertASRSegments(project.ID, segments); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}

	merged := buildMergedChunks(project.ID, segments)
	if err := deps.DB.BulkUpsertASRMergedChunks(project.ID, merged); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}

	transcript := strings.Join(transcriptParts, " ")
	identifier, err := deps.Artifacts.Save(project.ID, string(models.StageASR), "transcript.txt", []byte(transcript))
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageASR), project.ID, sferr.CodeASRFailed, err)
	}

	reporter.Done("asr complete")
	out := *sc
	out.ASRSegments = segments
	out.FullTranscript = transcript
	out.MergedChunks = merged
	return &out, map[string]string{"transcript.txt": identifier}, nil
}

// buildMergedChunks groups consecutive segments into windows bounded by
// mergedChunkMaxSegments or mergedChunkMaxDurationS (whichever overflows
// first), matching the llm_asr_correction stage's input shape.
func buildMergedChunks(projectID string, segments []models.ASRSegment) []models.ASRMergedChunk {
	var merged []models.ASRMergedChunk
	chunkID := 0
	i := 0
	for i < len(segments) {
		start := segments[i].Start
		var ids []int
		var texts []string
		j := i
		for j < len(segments) {
			end := segments[j].End
			count := j - i + 1
			if count > mergedChunkMaxSegments || (end-start) > mergedChunkMaxDurationS {
				if count == 1 {
					j++
				}
				break
			}
			ids = append(ids, segments[j].ID)
			texts = append(texts, segments[j].Text)
			j++
		}
		if len(ids) == 0 {
			ids = []int{segments[i].ID}
			texts = []string{segments[i].Text}
			j = i + 1
		}
		merged = append(merged, models.ASRMergedChunk{
			ProjectID:  projectID,
			RegionID:   i,
			ChunkID:    chunkID,
			Start:      start,
			End:        segments[j-1].End,
			SegmentIDs: ids,
			Text:       strings.Join(texts, " "),
		})
		chunkID++
		i = j
	}
	return merged
}

// HydrateASR reconstructs stage-3 output (segments with corrections applied,
// merged chunks, full transcript) from storage.
func HydrateASR(deps *Deps, project *models.Project) ([]models.ASRSegment, []models.ASRMergedChunk, string, error) {
	segments, err := deps.DB.GetASRSegmentsByProject(project.ID)
	if err != nil {
		return nil, nil, "", err
	}
	merged, err := deps.DB.GetASRMergedChunksByProject(project.ID)
	if err != nil {
		return nil, nil, "", err
	}
	var transcriptParts []string
	for _, s := range segments {
		if strings.TrimSpace(s.Text) != "" {
			transcriptParts = append(transcriptParts, s.Text)
		}
	}
	return segments, merged, strings.Join(transcriptParts, " "), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
