package llmcore

import (
	"context"
	"fmt"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/providers/llm"
)

const globalUnderstandingTokenBudget = 6000
const maxParseRetries = 3

var globalUnderstandingSystemPrompt = `You are analyzing a transcript of spoken audio to produce a structured summary. Return a single JSON object with exactly these fields:
{"topic": string, "domain": string, "style": string, "glossary": {"source term": "target term"}, "translation_notes": [string]}
Respond with ONLY the JSON object, no other text.`

// GlobalUnderstanding runs Pass A: an LLM call over the truncated full
// transcript producing topic/domain/style/glossary/notes. A reply that does
// not parse as the JSON object is re-prompted, up to maxParseRetries calls in
// all.
func GlobalUnderstanding(ctx context.Context, llmProvider providers.LLMProvider, projectID, fullTranscript, targetLanguage string) (*models.GlobalContext, providers.LLMUsage, error) {
	truncated := TruncateToBudget(fullTranscript, globalUnderstandingTokenBudget)

	messages := []providers.LLMMessage{
		{Role: "system", Content: globalUnderstandingSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Target language: %s\n\nTranscript:\n%s", targetLanguage, truncated)},
	}

	var lastErr error
	var totalUsage providers.LLMUsage
	for attempt := 0; attempt < maxParseRetries; attempt++ {
		if attempt > 0 {
			messages = append(messages, providers.LLMMessage{
				Role:    "user",
				Content: fmt.Sprintf("Your previous response could not be parsed as the requested JSON object: %s. Return ONLY the JSON object.", lastErr),
			})
		}
		text, usage, err := llmProvider.CompleteWithUsage(ctx, messages, 0.2, 0)
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		if err != nil {
			return nil, totalUsage, err
		}
		obj, perr := llm.ParseJSONObject(text)
		if perr != nil {
			lastErr = perr
			continue
		}
		return objectToGlobalContext(projectID, obj), totalUsage, nil
	}
	return nil, totalUsage, lastErr
}

func objectToGlobalContext(projectID string, obj map[string]any) *models.GlobalContext {
	gc := &models.GlobalContext{
		ProjectID: projectID,
		Topic:     stringField(obj, "topic", "unknown"),
		Domain:    stringField(obj, "domain", "unknown"),
		Style:     stringField(obj, "style", "unknown"),
		Glossary:  map[string]string{},
	}
	if g, ok := obj["glossary"].(map[string]any); ok {
		for k, v := range g {
			if s, ok := v.(string); ok {
				gc.Glossary[k] = s
			}
		}
	}
	if notes, ok := obj["translation_notes"].([]any); ok {
		for _, n := range notes {
			if s, ok := n.(string); ok {
				gc.TranslationNotes = append(gc.TranslationNotes, s)
			}
		}
	}
	return gc
}

func stringField(obj map[string]any, key, fallback string) string {
	if v, ok := obj[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
