package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type ArtifactBackend string

const (
	ArtifactBackendLocal ArtifactBackend = "local"
	ArtifactBackendS3    ArtifactBackend = "s3"
)

type LLMProviderKind string

const (
	LLMProviderOpenAI       LLMProviderKind = "openai"
	LLMProviderOpenAICompat LLMProviderKind = "openai_compat"
	LLMProviderAnthropic    LLMProviderKind = "anthropic"
	LLMProviderGemini       LLMProviderKind = "gemini"
)

type LLMProfile string

const (
	ProfileFast  LLMProfile = "fast"
	ProfilePower LLMProfile = "power"
)

// ASRConfig configures the ASR provider.
type ASRConfig struct {
	Provider      string        `json:"provider" validate:"required"`
	BaseURL       string        `json:"base_url" validate:"required,url"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model" validate:"required"`
	MaxConcurrent int           `json:"max_concurrent" validate:"gt=0"`
	Timeout       time.Duration `json:"timeout"`
}

// LLMProviderConfig configures one named LLM profile (fast or power).
type LLMProviderConfig struct {
	Provider LLMProviderKind `json:"provider" validate:"required,oneof=openai openai_compat anthropic gemini"`
	BaseURL  string          `json:"base_url"`
	APIKey   string          `json:"api_key"`
	Model    string          `json:"model" validate:"required"`
}

// LLMStageRouting selects which profile each LLM-driven stage uses.
type LLMStageRouting struct {
	ASRCorrection       LLMProfile `json:"asr_correction" validate:"oneof=fast power"`
	GlobalUnderstanding LLMProfile `json:"global_understanding" validate:"oneof=fast power"`
	SemanticTranslation LLMProfile `json:"semantic_translation" validate:"oneof=fast power"`
}

type LLMLimitsConfig struct {
	MaxASRSegments int `json:"max_asr_segments"`
}

type AudioConfig struct {
	FFmpegBin        string  `json:"ffmpeg_bin"`
	DemucsBin        string  `json:"demucs_bin"`
	DemucsModel      string  `json:"demucs_model"`
	SkipDemucs       bool    `json:"skip_demucs"`
	MaxDurationS     float64 `json:"max_duration_s"`
	Normalize        bool    `json:"normalize"`
	NormalizeTargetDB float64 `json:"normalize_target_db"`
}

type VADConfig struct {
	Provider          string  `json:"provider"`
	ScriptBin         string  `json:"script_bin"`
	ModelPath         string  `json:"model_path"`
	MinSilenceDurationMS int  `json:"min_silence_duration_ms"`
	MinSpeechDurationMS  int  `json:"min_speech_duration_ms"`
	Device            string  `json:"device"`
	FrameHopS         float64 `json:"frame_hop_s"`
	TargetMaxSegmentS float64 `json:"target_max_segment_s"`
}

type ConcurrencyConfig struct {
	ASR      int `json:"asr" validate:"gt=0"`
	LLMFast  int `json:"llm_fast" validate:"gt=0"`
	LLMPower int `json:"llm_power" validate:"gt=0"`
}

type ArtifactStoreConfig struct {
	Backend   ArtifactBackend `json:"backend" validate:"oneof=local s3"`
	LocalBase string          `json:"local_base"`
	S3Bucket  string          `json:"s3_bucket"`
	S3Region  string          `json:"s3_region"`
	S3Endpoint string         `json:"s3_endpoint"`
	S3AccessKey string        `json:"s3_access_key"`
	S3SecretKey string        `json:"s3_secret_key"`
}

type RedisConfig struct {
	URL              string        `json:"url"`
	ProjectCacheTTL  time.Duration `json:"project_cache_ttl"`
	HealthMirrorTTL  time.Duration `json:"health_mirror_ttl"`
}

// Config is the single settings object loaded from the environment.
type Config struct {
	DataDir   string `json:"data_dir" validate:"required"`
	ModelsDir string `json:"models_dir"`
	LogDir    string `json:"log_dir"`
	DBPath    string `json:"db_path"`

	Host string `json:"host"`
	Port int    `json:"port"`

	QueueURL string `json:"queue_url"`

	ArtifactStore ArtifactStoreConfig `json:"artifact_store"`

	Audio AudioConfig `json:"audio"`
	VAD   VADConfig   `json:"vad"`
	ASR   ASRConfig   `json:"asr"`

	LLMFast  LLMProviderConfig `json:"llm_fast"`
	LLMPower LLMProviderConfig `json:"llm_power"`
	LLMStage LLMStageRouting   `json:"llm_stage"`
	LLMLimits LLMLimitsConfig  `json:"llm_limits"`

	Concurrency ConcurrencyConfig `json:"concurrency"`

	Redis RedisConfig `json:"redis"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".subflow")
	return Config{
		DataDir:   dataDir,
		ModelsDir: filepath.Join(dataDir, "models"),
		LogDir:    filepath.Join(dataDir, "logs"),
		DBPath:    filepath.Join(dataDir, "subflow.db"),
		Host:      "127.0.0.1",
		Port:      8743,
		QueueURL:  "",
		ArtifactStore: ArtifactStoreConfig{
			Backend:   ArtifactBackendLocal,
			LocalBase: filepath.Join(dataDir, "artifacts"),
			S3Bucket:  "subflow",
			S3Region:  "us-east-1",
		},
		Audio: AudioConfig{
			FFmpegBin:         "ffmpeg",
			DemucsBin:         "demucs",
			DemucsModel:       "htdemucs_ft",
			SkipDemucs:        false,
			MaxDurationS:      0,
			Normalize:         false,
			NormalizeTargetDB: -20.0,
		},
		VAD: VADConfig{
			Provider:             "default",
			ScriptBin:            "subflow-vad-infer",
			MinSilenceDurationMS: 300,
			MinSpeechDurationMS:  250,
			FrameHopS:            0.02,
			TargetMaxSegmentS:    60.0,
		},
		ASR: ASRConfig{
			Provider:      "glm_asr",
			BaseURL:       "http://localhost:8000/v1",
			APIKey:        "abc123",
			Model:         "glm-asr",
			MaxConcurrent: 20,
			Timeout:       300 * time.Second,
		},
		LLMFast: LLMProviderConfig{
			Provider: LLMProviderOpenAICompat,
			BaseURL:  "http://localhost:1234/v1",
			Model:    "gpt-4o-mini",
		},
		LLMPower: LLMProviderConfig{
			Provider: LLMProviderAnthropic,
			BaseURL:  "https://api.anthropic.com",
			Model:    "claude-opus-4",
		},
		LLMStage: LLMStageRouting{
			ASRCorrection:       ProfileFast,
			GlobalUnderstanding: ProfileFast,
			SemanticTranslation: ProfilePower,
		},
		LLMLimits: LLMLimitsConfig{MaxASRSegments: 0},
		Concurrency: ConcurrencyConfig{
			ASR:      4,
			LLMFast:  8,
			LLMPower: 2,
		},
		Redis: RedisConfig{
			URL:             "redis://localhost:6379",
			ProjectCacheTTL: 7 * 24 * time.Hour,
			HealthMirrorTTL: 24 * time.Hour,
		},
	}
}

// LoadConfig reads SUBFLOW_*-prefixed environment variables, plus the
// unprefixed ASR_*, LLM_FAST_* and LLM_POWER_* provider variables, over the
// defaults, ensures data directories exist, and validates the result.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("SUBFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.DBPath = filepath.Join(v, "subflow.db")
		cfg.ArtifactStore.LocalBase = filepath.Join(v, "artifacts")
	}
	if v := os.Getenv("SUBFLOW_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SUBFLOW_ARTIFACT_BACKEND"); v != "" {
		cfg.ArtifactStore.Backend = ArtifactBackend(v)
	}
	if v := os.Getenv("SUBFLOW_S3_BUCKET"); v != "" {
		cfg.ArtifactStore.S3Bucket = v
	}
	if v := os.Getenv("SUBFLOW_S3_ENDPOINT"); v != "" {
		cfg.ArtifactStore.S3Endpoint = v
	}
	if v := os.Getenv("ASR_BASE_URL"); v != "" {
		cfg.ASR.BaseURL = v
	}
	if v := os.Getenv("ASR_API_KEY"); v != "" {
		cfg.ASR.APIKey = v
	}
	if v := os.Getenv("LLM_FAST_BASE_URL"); v != "" {
		cfg.LLMFast.BaseURL = v
	}
	if v := os.Getenv("LLM_FAST_API_KEY"); v != "" {
		cfg.LLMFast.APIKey = v
	}
	if v := os.Getenv("LLM_POWER_BASE_URL"); v != "" {
		cfg.LLMPower.BaseURL = v
	}
	if v := os.Getenv("LLM_POWER_API_KEY"); v != "" {
		cfg.LLMPower.APIKey = v
	}
	if v := os.Getenv("SUBFLOW_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	cfg.EnsureDirs()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) EnsureDirs() {
	dirs := []string{c.DataDir, c.ModelsDir, c.LogDir}
	if c.ArtifactStore.Backend == ArtifactBackendLocal {
		dirs = append(dirs, c.ArtifactStore.LocalBase)
	}
	for _, d := range dirs {
		os.MkdirAll(d, 0o755)
	}
}

var validate = validator.New()

// Validate runs struct-tag validation and a handful of cross-field checks the
// tags alone cannot express (S3 backend requires a bucket).
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ArtifactStore.Backend == ArtifactBackendS3 && strings.TrimSpace(c.ArtifactStore.S3Bucket) == "" {
		return fmt.Errorf("invalid configuration: artifact_store.s3_bucket required when backend=s3")
	}
	return nil
}

// ProfileConfig resolves a named profile to its provider configuration.
func (c Config) ProfileConfig(p LLMProfile) LLMProviderConfig {
	if p == ProfilePower {
		return c.LLMPower
	}
	return c.LLMFast
}
