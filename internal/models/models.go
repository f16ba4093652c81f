// Package models holds the SubFlow data model: projects, stage runs, and the
// per-stage artifacts they own.
package models

import "time"

// ProjectStatus is the project's coarse lifecycle state.
type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectProcessing ProjectStatus = "processing"
	ProjectPaused     ProjectStatus = "paused"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectFailed     ProjectStatus = "failed"
)

// StageStatus is one StageRun's lifecycle state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageName enumerates the ordered pipeline stages. Index matches
// Project.CurrentStage after completion.
type StageName string

const (
	StageAudioPreprocess   StageName = "audio_preprocess"
	StageVAD               StageName = "vad"
	StageASR               StageName = "asr"
	StageLLMASRCorrection  StageName = "llm_asr_correction"
	StageLLM               StageName = "llm"
	StageExport            StageName = "export" // supplemental, post-core
)

// StageOrder is the canonical 5-stage core sequence; export is a post-core
// stage that is not part of this slice and that no pipeline path runs.
var StageOrder = []StageName{
	StageAudioPreprocess,
	StageVAD,
	StageASR,
	StageLLMASRCorrection,
	StageLLM,
}

// StageIndex returns the 1-based index of a core stage, or 0 if unknown.
func StageIndex(s StageName) int {
	for i, n := range StageOrder {
		if n == s {
			return i + 1
		}
	}
	return 0
}

func nowUTC() time.Time { return time.Now().UTC() }

// Project is the durable root of one pipeline run.
type Project struct {
	ID             string
	DisplayName    string
	MediaURL       string
	SourceLanguage *string
	TargetLanguage string
	AutoWorkflow   bool
	Status         ProjectStatus
	CurrentStage   int
	// Artifacts maps stage name -> artifact name -> artifact store identifier.
	Artifacts map[string]map[string]string
	ErrorMessage *string
	Errors       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	StageRuns []*StageRun
}

func NewProject(id, displayName, mediaURL, targetLanguage string) *Project {
	now := nowUTC()
	return &Project{
		ID:             id,
		DisplayName:    displayName,
		MediaURL:       mediaURL,
		TargetLanguage: targetLanguage,
		Status:         ProjectPending,
		CurrentStage:   0,
		Artifacts:      map[string]map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// StageMetrics is the numeric/string metrics bag reported during a stage run.
type StageMetrics struct {
	ItemsProcessed      int     `json:"items_processed,omitempty"`
	ItemsTotal          int     `json:"items_total,omitempty"`
	ItemsPerSecond      float64 `json:"items_per_second,omitempty"`
	LLMPromptTokens     int     `json:"llm_prompt_tokens,omitempty"`
	LLMCompletionTokens int     `json:"llm_completion_tokens,omitempty"`
	LLMCallsCount       int     `json:"llm_calls_count,omitempty"`
	LLMTokensPerSecond  float64 `json:"llm_tokens_per_second,omitempty"`
	ActiveTasks         int     `json:"active_tasks,omitempty"`
	MaxConcurrent       int     `json:"max_concurrent,omitempty"`
	RetryStatus         string  `json:"retry_status,omitempty"`
}

// StageRun is the durable record of one execution of a stage for one project.
type StageRun struct {
	ProjectID       string
	Stage           StageName
	Status          StageStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Progress        int
	ProgressMessage string
	Metrics         StageMetrics
	ErrorCode       string
	ErrorMessage    string
	InputArtifacts  map[string]string
	OutputArtifacts map[string]string
}

func NewStageRun(projectID string, stage StageName) *StageRun {
	return &StageRun{
		ProjectID:       projectID,
		Stage:           stage,
		Status:          StagePending,
		InputArtifacts:  map[string]string{},
		OutputArtifacts: map[string]string{},
	}
}

func (s *StageRun) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// VADRegion is a coarse speech region.
type VADRegion struct {
	ProjectID string
	RegionID  int
	Start     float64
	End       float64
}

// ASRSegment is one recognized speech segment.
type ASRSegment struct {
	ProjectID     string
	ID            int // segment_index, contiguous 0..N-1 per project
	Start         float64
	End           float64
	Text          string
	CorrectedText *string
	Language      *string
}

// ResolvedText returns the corrected text when present, else the raw text.
func (s ASRSegment) ResolvedText() string {
	if s.CorrectedText != nil {
		return *s.CorrectedText
	}
	return s.Text
}

// ASRMergedChunk groups consecutive ASR segments into a larger context
// window used for LLM-based correction.
type ASRMergedChunk struct {
	ProjectID  string
	RegionID   int
	ChunkID    int
	Start      float64
	End        float64
	SegmentIDs []int
	Text       string
}

// GlobalContext is Pass A's structured per-project summary.
type GlobalContext struct {
	ProjectID        string
	Topic            string
	Domain           string
	Style            string
	Glossary         map[string]string
	TranslationNotes []string
}

// TranslationChunk is a translation slice bound to exactly one ASR segment.
type TranslationChunk struct {
	SegmentID int
	Text      string
}

// SemanticChunk is a unit of semantic translation covering one or more ASR
// segments.
type SemanticChunk struct {
	ProjectID         string
	ChunkIndex        int
	CorrectedText     string
	Translation       string
	ASRSegmentIDs     []int
	TranslationChunks []TranslationChunk
}

// SubtitleExportFormat enumerates supported render formats.
type SubtitleExportFormat string

const (
	FormatSRT  SubtitleExportFormat = "srt"
	FormatVTT  SubtitleExportFormat = "vtt"
	FormatASS  SubtitleExportFormat = "ass"
	FormatJSON SubtitleExportFormat = "json"
)

type ContentMode string

const (
	ContentBoth          ContentMode = "both"
	ContentPrimaryOnly   ContentMode = "primary_only"
	ContentSecondaryOnly ContentMode = "secondary_only"
)

type ExportSource string

const (
	ExportAuto   ExportSource = "auto"
	ExportEdited ExportSource = "edited"
)

// SubtitleExport is a materialised subtitle artifact.
type SubtitleExport struct {
	ID          string
	ProjectID   string
	Format      SubtitleExportFormat
	ContentMode ContentMode
	Config      map[string]any
	StorageKeys []string
	Source      ExportSource
	CreatedAt   time.Time
}

// FileType enumerates the ProjectFile kinds tracked against the Blob Store.
type FileType string

const (
	FileInputVideo FileType = "input_video"
	FileAudio      FileType = "audio"
	FileVocals     FileType = "vocals"
)

// FileBlob is a content-addressed binary referenced by zero or more projects.
type FileBlob struct {
	Hash           string
	Size           int64
	MIME           *string
	RefCount       int
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// ProjectFile associates a (project, file_type) pair with one blob.
type ProjectFile struct {
	ID        int64
	ProjectID string
	FileType  FileType
	BlobHash  string
}

// DerivedBlob records a deterministic transform's cached output.
type DerivedBlob struct {
	Transform  string
	SourceHash string
	ParamsHash string
	DstHash    string
}
