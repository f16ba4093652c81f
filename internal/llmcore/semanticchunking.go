package llmcore

import (
	"context"
	"fmt"
	"sort"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/providers/llm"
)

const (
	initialWindowSize = 6
	maxWindowSize     = 15
)

var semanticChunkingSystemPrompt = `You are translating spoken-language transcript segments into %s. You are given a window of consecutive segments, each with an id and source text. Extract the FIRST semantically complete translation unit starting at the first segment in the window.

Return either:
{"translation": "...", "translation_chunks": [{"text": "...", "segment_ids": [0, 1]}]}
where segment_ids are 0-based indices into the window (not absolute ids), and translation_chunks partition the covered prefix of the window with text slices in target-language word order; OR
{"need_more_context": {"reason": "...", "additional_segments": N}}
if no semantically complete unit can be formed from the window alone.

Respond with ONLY the JSON object, no other text.`

// SlidingWindowResult is the outcome of one Pass B round over the whole
// segment set.
type SlidingWindowResult struct {
	Chunks []models.SemanticChunk
	Usage  providers.LLMUsage
}

type windowResponse struct {
	Translation       string                `json:"translation"`
	TranslationChunks []windowTranslationChunk `json:"translation_chunks"`
	NeedMoreContext   *needMoreContext      `json:"need_more_context"`
}

type windowTranslationChunk struct {
	Text       string `json:"text"`
	SegmentIDs []int  `json:"segment_ids"`
}

type needMoreContext struct {
	Reason             string `json:"reason"`
	AdditionalSegments int    `json:"additional_segments"`
}

// SemanticChunking runs Pass B: the sequential sliding-window scan, modeled
// as an explicit state machine over (cursor, windowSize) rather than a
// generator, with a single forced re-prompt once the window is at its cap and
// a bounded iteration count to guarantee termination.
func SemanticChunking(ctx context.Context, llmProvider providers.LLMProvider, segments []models.ASRSegment, targetLanguage string) (SlidingWindowResult, error) {
	var result SlidingWindowResult
	n := len(segments)
	if n == 0 {
		return result, nil
	}

	cursor := 0
	windowSize := initialWindowSize
	maxIterations := n * 3
	chunkIndex := 0

	for iter := 0; cursor < n && iter < maxIterations; iter++ {
		end := cursor + windowSize
		if end > n {
			end = n
		}
		window := segments[cursor:end]

		resp, usage, err := callWindow(ctx, llmProvider, window, targetLanguage, false)
		result.Usage.PromptTokens += usage.PromptTokens
		result.Usage.CompletionTokens += usage.CompletionTokens
		if err != nil {
			return result, err
		}

		if resp.NeedMoreContext != nil {
			if windowSize < maxWindowSize {
				windowSize += resp.NeedMoreContext.AdditionalSegments
				if windowSize > maxWindowSize {
					windowSize = maxWindowSize
				}
				continue
			}
			// Already at the cap: re-prompt once forcing an answer.
			end = cursor + windowSize
			if end > n {
				end = n
			}
			window = segments[cursor:end]
			resp, usage, err = callWindow(ctx, llmProvider, window, targetLanguage, true)
			result.Usage.PromptTokens += usage.PromptTokens
			result.Usage.CompletionTokens += usage.CompletionTokens
			if err != nil {
				return result, err
			}
			if resp.NeedMoreContext != nil || len(resp.TranslationChunks) == 0 {
				return result, fmt.Errorf("llm refused to emit a translation at max window size starting at segment %d", window[0].ID)
			}
		}

		chunk, covered, perr := toSemanticChunk(resp, window, chunkIndex)
		if perr != nil {
			return result, perr
		}
		result.Chunks = append(result.Chunks, chunk)
		chunkIndex++

		next := covered + 1
		if next <= cursor {
			// Safety net: force progress if a round failed to advance.
			next = cursor + 1
		}
		cursor = next
		windowSize = initialWindowSize
	}

	return result, nil
}

func callWindow(ctx context.Context, llmProvider providers.LLMProvider, window []models.ASRSegment, targetLanguage string, forceAnswer bool) (*windowResponse, providers.LLMUsage, error) {
	userContent := renderWindow(window)
	if forceAnswer {
		userContent += "\n\nThe window has reached its maximum size. You must emit a translation result now; do not request more context."
	}
	messages := []providers.LLMMessage{
		{Role: "system", Content: fmt.Sprintf(semanticChunkingSystemPrompt, targetLanguage)},
		{Role: "user", Content: userContent},
	}
	text, usage, err := llmProvider.CompleteWithUsage(ctx, messages, 0.2, 0)
	if err != nil {
		return nil, usage, err
	}
	obj, err := llm.ParseJSONObject(text)
	if err != nil {
		return nil, usage, err
	}
	resp := decodeWindowResponse(obj)
	return resp, usage, nil
}

func renderWindow(window []models.ASRSegment) string {
	out := ""
	for i, s := range window {
		out += fmt.Sprintf("[%d] %s\n", i, s.ResolvedText())
	}
	return out
}

func decodeWindowResponse(obj map[string]any) *windowResponse {
	resp := &windowResponse{}
	if t, ok := obj["translation"].(string); ok {
		resp.Translation = t
	}
	if chunks, ok := obj["translation_chunks"].([]any); ok {
		for _, c := range chunks {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			tc := windowTranslationChunk{}
			if s, ok := cm["text"].(string); ok {
				tc.Text = s
			}
			if ids, ok := cm["segment_ids"].([]any); ok {
				for _, id := range ids {
					if f, ok := id.(float64); ok {
						tc.SegmentIDs = append(tc.SegmentIDs, int(f))
					}
				}
			}
			resp.TranslationChunks = append(resp.TranslationChunks, tc)
		}
	}
	if nmc, ok := obj["need_more_context"].(map[string]any); ok {
		n := &needMoreContext{}
		if s, ok := nmc["reason"].(string); ok {
			n.Reason = s
		}
		if f, ok := nmc["additional_segments"].(float64); ok {
			n.AdditionalSegments = int(f)
		}
		resp.NeedMoreContext = n
	}
	return resp
}

// toSemanticChunk normalises relative (window-local) segment ids to absolute
// ASR segment ids.
func toSemanticChunk(resp *windowResponse, window []models.ASRSegment, chunkIndex int) (models.SemanticChunk, int, error) {
	if len(resp.TranslationChunks) == 0 {
		return models.SemanticChunk{}, 0, fmt.Errorf("translation response had no translation_chunks")
	}

	seen := map[int]bool{}
	textByID := map[int]string{}
	var allIDs []int
	for _, tc := range resp.TranslationChunks {
		for i, relID := range tc.SegmentIDs {
			if relID < 0 || relID >= len(window) {
				return models.SemanticChunk{}, 0, fmt.Errorf("segment_id %d out of window bounds [0,%d)", relID, len(window))
			}
			absID := window[relID].ID
			if seen[absID] {
				continue
			}
			seen[absID] = true
			allIDs = append(allIDs, absID)
			if i == 0 {
				// The chunk's text is assigned to its first covered segment;
				// the rest get an empty string so every id still gets its
				// own TranslationChunk.
				textByID[absID] = tc.Text
			}
		}
	}
	if len(allIDs) == 0 {
		return models.SemanticChunk{}, 0, fmt.Errorf("translation response covered zero segments")
	}
	sort.Ints(allIDs)

	// Coverage must be a contiguous run starting at the window's cursor
	// segment: a gap in the middle would leave the skipped segment
	// permanently orphaned once the cursor advances past it.
	if allIDs[0] != window[0].ID {
		return models.SemanticChunk{}, 0, fmt.Errorf("translation must start at the window cursor segment %d, got %d", window[0].ID, allIDs[0])
	}
	for i, id := range allIDs {
		want := window[0].ID + i
		if id != want {
			return models.SemanticChunk{}, 0, fmt.Errorf("translation_chunks must cover a contiguous run from segment %d; expected segment %d, got %d", window[0].ID, want, id)
		}
	}

	var corrected string
	children := make([]models.TranslationChunk, 0, len(allIDs))
	for _, id := range allIDs {
		for _, s := range window {
			if s.ID == id {
				if corrected != "" {
					corrected += " "
				}
				corrected += s.ResolvedText()
			}
		}
		children = append(children, models.TranslationChunk{SegmentID: id, Text: textByID[id]})
	}

	chunk := models.SemanticChunk{
		ChunkIndex:        chunkIndex,
		CorrectedText:     corrected,
		Translation:       resp.Translation,
		ASRSegmentIDs:     allIDs,
		TranslationChunks: children,
	}
	return chunk, allIDs[len(allIDs)-1], nil
}

// TrivialChunking is the no-API-key fallback: each non-empty segment becomes
// its own SemanticChunk with translation "[<target_language>] <text>".
func TrivialChunking(segments []models.ASRSegment, targetLanguage string) []models.SemanticChunk {
	var out []models.SemanticChunk
	idx := 0
	for _, s := range segments {
		text := s.ResolvedText()
		if text == "" {
			continue
		}
		out = append(out, models.SemanticChunk{
			ChunkIndex:        idx,
			CorrectedText:     text,
			Translation:       fmt.Sprintf("[%s] %s", targetLanguage, text),
			ASRSegmentIDs:     []int{s.ID},
			TranslationChunks: []models.TranslationChunk{{SegmentID: s.ID, Text: fmt.Sprintf("[%s] %s", targetLanguage, text)}},
		})
		idx++
	}
	return out
}
