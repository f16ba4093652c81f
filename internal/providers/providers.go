// Package providers defines the external-collaborator interfaces stage
// runners call through: audio extraction/separation, VAD, ASR, and LLM
// completion. Concrete implementations live in subpackages (llm/, asr/).
package providers

import "context"

// AudioProvider extracts a normalized WAV track from a source file and
// optionally separates vocals from it.
type AudioProvider interface {
	ExtractAudio(ctx context.Context, input, out string, maxDurationS float64) error
	SeparateVocals(ctx context.Context, audio, outDir string) (vocalsPath string, err error)
	NormalizeAudio(ctx context.Context, in, out string, targetDB float64) (string, error)
	// CutSegment extracts [start, end) seconds of audio from in into out,
	// used by the ASR runner to hand the provider one VAD region at a time.
	CutSegment(ctx context.Context, in, out string, start, end float64) error
	Close() error
}

// VADRegion is a coarse speech region returned by a VAD provider.
type VADRegion struct {
	Start float64
	End   float64
}

// VADProvider detects speech regions in an audio file.
type VADProvider interface {
	Detect(ctx context.Context, audioPath string) ([]VADRegion, error)
	// DetectWithProbs additionally returns frame-level speech probabilities
	// at FrameHopS() intervals. Implementations that cannot produce
	// frame-level data may return a nil slice.
	DetectWithProbs(ctx context.Context, audioPath string) ([]VADRegion, []float32, error)
	FrameHopS() float64
	Close() error
}

// ASRSegmentResult is a single transcribed span.
type ASRSegmentResult struct {
	Text     string
	Start    float64
	End      float64
	Language string
}

// ASRProvider transcribes speech audio.
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath, language string) ([]ASRSegmentResult, error)
	TranscribeSegment(ctx context.Context, audioPath string, start, end float64) (string, error)
	TranscribeBatch(ctx context.Context, paths []string, language string) ([]string, error)
	Close() error
}

// LLMMessage is a single chat message.
type LLMMessage struct {
	Role    string
	Content string
}

// LLMUsage reports token accounting for a single call.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolCall is a single function/tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolResult bundles the tool calls a provider's complete_with_tools variant
// returned, plus usage.
type ToolResult struct {
	ToolCalls []ToolCall
	Usage     LLMUsage
}

// ErrToolsUnsupported is returned by CompleteWithTools when the underlying
// provider has no function/tool-calling support.
var ErrToolsUnsupported = toolsUnsupportedError{}

type toolsUnsupportedError struct{}

func (toolsUnsupportedError) Error() string { return "provider does not support tool calls" }

// LLMProvider is the interface every LLM backend (openai_compat, anthropic,
// noop) implements.
type LLMProvider interface {
	Complete(ctx context.Context, messages []LLMMessage, temperature float64, maxTokens int) (string, error)
	CompleteWithUsage(ctx context.Context, messages []LLMMessage, temperature float64, maxTokens int) (string, LLMUsage, error)
	CompleteJSON(ctx context.Context, messages []LLMMessage, temperature float64) (map[string]any, error)
	CompleteWithTools(ctx context.Context, messages []LLMMessage, tools []ToolDef, parallelToolCalls bool) (ToolResult, error)
	Name() string
	Close() error
}
