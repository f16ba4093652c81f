package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/providers/llm"
	"github.com/oho/subflow/internal/sferr"
)

const llmASRCorrectionSystemPrompt = `You proofread automatic speech recognition output.
You are given two views of the same audio span: a "full recognition" produced
over the whole span at once, and a "segmented recognition" produced
independently per short segment. Segmented recognition is more likely to
contain boundary errors (cut-off words, mis-heard names) that the full
recognition often gets right.

Return a JSON object: {"corrections": [{"id": <segment id>, "text": "<corrected text>"}]}
Only include segments whose text should change. If nothing needs correction,
return {"corrections": []}. Never invent new segment ids.`

// LLMASRCorrection is the llm_asr_correction (stage 4) runner.
type LLMASRCorrection struct{}

func (LLMASRCorrection) Stage() models.StageName { return models.StageLLMASRCorrection }

type correctionResult struct {
	corrections map[int]string
	usage       providers.LLMUsage
	err         error
}

func (LLMASRCorrection) Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error) {
	if err := deps.DB.ClearCorrectedTexts(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageLLMASRCorrection), project.ID, sferr.CodeLLMFailed, err)
	}

	profile := deps.Config.LLMStage.ASRCorrection
	llmProvider := deps.LLMFor(profile)
	svc := concurrency.ServiceLLMFast
	if profile == "power" {
		svc = concurrency.ServiceLLMPower
	}

	segmentsByID := map[int]models.ASRSegment{}
	for _, s := range sc.ASRSegments {
		segmentsByID[s.ID] = s
	}

	total := len(sc.MergedChunks)
	results := make([]correctionResult, total)
	g, _ := errgroup.WithContext(ctx)
	var completed atomic.Int32

	for i, chunk := range sc.MergedChunks {
		i, chunk := i, chunk
		g.Go(func() error {
			permit := deps.Tracker.Acquire(svc)
			defer permit.Release()

			corrections, usage, err := correctChunk(ctx, llmProvider, chunk, segmentsByID)
			results[i] = correctionResult{corrections: corrections, usage: usage, err: err}

			n := completed.Add(1)
			active, max := deps.Tracker.Snapshot(svc)
			reporter.ReportMetrics(int(100*n/int32(maxInt(total, 1))), "correcting transcription", models.StageMetrics{
				ItemsProcessed: int(n), ItemsTotal: total, ActiveTasks: active, MaxConcurrent: max,
				LLMCallsCount: 1, LLMPromptTokens: usage.PromptTokens, LLMCompletionTokens: usage.CompletionTokens,
			})
			// Per-chunk correction failures are absorbed into results[i].err
			// and tolerated below; never bail the group, since one bad
			// chunk must not cancel sibling chunks still in flight.
			return nil
		})
	}
	g.Wait()

	merged := map[int]string{}
	for _, r := range results {
		if r.err != nil {
			// A chunk-level LLM failure does not fail the stage: the stage
			// succeeds even with zero corrections, which tolerates
			// missing/unknown responses; a genuine provider error for one
			// chunk is treated the same as that chunk returning none.
			continue
		}
		for id, text := range r.corrections {
			merged[id] = text
		}
	}

	if len(merged) > 0 {
		if err := deps.DB.UpdateCorrectedTexts(project.ID, merged); err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageLLMASRCorrection), project.ID, sferr.CodeLLMFailed, err)
		}
	}

	segments, err := deps.DB.GetASRSegmentsByProject(project.ID)
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageLLMASRCorrection), project.ID, sferr.CodeLLMFailed, err)
	}

	reporter.Done("asr correction complete")
	out := *sc
	out.ASRSegments = segments
	return &out, map[string]string{}, nil
}

type correctionItem struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type correctionResponse struct {
	Corrections []correctionItem `json:"corrections"`
}

func correctChunk(ctx context.Context, llmProvider providers.LLMProvider, chunk models.ASRMergedChunk, segmentsByID map[int]models.ASRSegment) (map[int]string, providers.LLMUsage, error) {
	var segmented string
	for _, id := range chunk.SegmentIDs {
		segmented += fmt.Sprintf("[%d] %s\n", id, segmentsByID[id].Text)
	}

	userMsg := fmt.Sprintf("Full recognition:\n%s\n\nSegmented recognition:\n%s", chunk.Text, segmented)
	messages := []providers.LLMMessage{
		{Role: "system", Content: llmASRCorrectionSystemPrompt},
		{Role: "user", Content: userMsg},
	}

	raw, usage, err := llmProvider.CompleteWithUsage(ctx, messages, 0.2, 2048)
	if err != nil {
		return nil, usage, err
	}

	var resp correctionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		obj, parseErr := llm.ParseJSONObject(raw)
		if parseErr != nil {
			return nil, usage, parseErr
		}
		resp = objectToCorrectionResponse(obj)
	}

	valid := map[int]bool{}
	for _, id := range chunk.SegmentIDs {
		valid[id] = true
	}
	out := map[int]string{}
	for _, c := range resp.Corrections {
		if valid[c.ID] {
			out[c.ID] = c.Text
		}
	}
	return out, usage, nil
}

func objectToCorrectionResponse(obj map[string]any) correctionResponse {
	var resp correctionResponse
	raw, ok := obj["corrections"].([]any)
	if !ok {
		return resp
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(float64)
		text, _ := m["text"].(string)
		resp.Corrections = append(resp.Corrections, correctionItem{ID: int(id), Text: text})
	}
	return resp
}
