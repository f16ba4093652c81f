// Package asr implements the glm_asr ASRProvider: a thin HTTP client
// against an OpenAI-audio-transcriptions-compatible endpoint.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/sferr"
)

// GLMASR talks to a GLM-ASR-compatible `/audio/transcriptions` endpoint,
// bounding in-flight requests to maxConcurrent via an internal semaphore
// via an internal semaphore.
type GLMASR struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	sem     chan struct{}
}

func NewGLMASR(baseURL, apiKey, model string, maxConcurrent int, timeout time.Duration) *GLMASR {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &GLMASR{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		sem:     make(chan struct{}, maxConcurrent),
	}
}

func (g *GLMASR) Close() error { return nil }

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

func (g *GLMASR) transcribeFile(ctx context.Context, audioPath, language string) (*transcriptionResponse, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, sferr.NewProviderError("glm_asr", err.Error(), false)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	w.WriteField("model", g.model)
	if language != "" {
		w.WriteField("language", language)
	}
	w.WriteField("response_format", "verbose_json")
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, sferr.NewProviderError("glm_asr", err.Error(), true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, sferr.NewProviderError("glm_asr", fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)), resp.StatusCode >= 500)
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, sferr.NewProviderError("glm_asr", "invalid response: "+err.Error(), false)
	}
	return &parsed, nil
}

func (g *GLMASR) Transcribe(ctx context.Context, audioPath, language string) ([]providers.ASRSegmentResult, error) {
	resp, err := g.transcribeFile(ctx, audioPath, language)
	if err != nil {
		return nil, err
	}
	if len(resp.Segments) == 0 {
		return []providers.ASRSegmentResult{{Text: resp.Text, Language: resp.Language}}, nil
	}
	out := make([]providers.ASRSegmentResult, len(resp.Segments))
	for i, s := range resp.Segments {
		out[i] = providers.ASRSegmentResult{Text: s.Text, Start: s.Start, End: s.End, Language: resp.Language}
	}
	return out, nil
}

func (g *GLMASR) TranscribeSegment(ctx context.Context, audioPath string, start, end float64) (string, error) {
	resp, err := g.transcribeFile(ctx, audioPath, "")
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (g *GLMASR) TranscribeBatch(ctx context.Context, paths []string, language string) ([]string, error) {
	out := make([]string, len(paths))
	errs := make([]error, len(paths))
	done := make(chan int, len(paths))
	for i, p := range paths {
		go func(i int, p string) {
			resp, err := g.transcribeFile(ctx, p, language)
			if err != nil {
				errs[i] = err
			} else {
				out[i] = resp.Text
			}
			done <- i
		}(i, p)
	}
	for range paths {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
