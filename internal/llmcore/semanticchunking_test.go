package llmcore

import (
	"testing"

	"github.com/oho/subflow/internal/models"
)

func testWindow(ids ...int) []models.ASRSegment {
	var window []models.ASRSegment
	for _, id := range ids {
		window = append(window, models.ASRSegment{ID: id, Text: "text"})
	}
	return window
}

func TestToSemanticChunkCoversEverySegmentExactlyOnce(t *testing.T) {
	window := testWindow(0, 1, 2)
	resp := &windowResponse{
		Translation: "hello there",
		TranslationChunks: []windowTranslationChunk{
			{Text: "hello there", SegmentIDs: []int{0, 1}},
		},
	}

	chunk, covered, err := toSemanticChunk(resp, window, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if covered != 1 {
		t.Fatalf("expected covered=1, got %d", covered)
	}
	if len(chunk.TranslationChunks) != 2 {
		t.Fatalf("expected one TranslationChunk per covered segment id, got %d", len(chunk.TranslationChunks))
	}
	gotIDs := map[int]bool{}
	for _, tc := range chunk.TranslationChunks {
		gotIDs[tc.SegmentID] = true
	}
	if !gotIDs[0] || !gotIDs[1] {
		t.Fatalf("expected TranslationChunks to cover segment ids 0 and 1, got %v", chunk.TranslationChunks)
	}
	if chunk.TranslationChunks[0].Text != "hello there" {
		t.Fatalf("expected the first covered segment to carry the chunk text, got %q", chunk.TranslationChunks[0].Text)
	}
}

func TestToSemanticChunkRejectsNonContiguousCoverage(t *testing.T) {
	window := testWindow(0, 1, 2)
	resp := &windowResponse{
		Translation: "hello world",
		TranslationChunks: []windowTranslationChunk{
			{Text: "hello world", SegmentIDs: []int{0, 2}},
		},
	}

	if _, _, err := toSemanticChunk(resp, window, 0); err == nil {
		t.Fatal("expected an error for coverage with a gap at segment 1")
	}
}

func TestToSemanticChunkRejectsCoverageNotStartingAtCursor(t *testing.T) {
	window := testWindow(0, 1, 2)
	resp := &windowResponse{
		Translation: "hello",
		TranslationChunks: []windowTranslationChunk{
			{Text: "hello", SegmentIDs: []int{1}},
		},
	}

	if _, _, err := toSemanticChunk(resp, window, 0); err == nil {
		t.Fatal("expected an error when coverage does not start at the window cursor")
	}
}
