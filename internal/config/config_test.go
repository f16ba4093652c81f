package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 8743 {
		t.Errorf("expected port 8743, got %d", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Host)
	}
	if cfg.Concurrency.ASR != 4 {
		t.Errorf("expected asr concurrency 4, got %d", cfg.Concurrency.ASR)
	}
	if cfg.LLMStage.SemanticTranslation != ProfilePower {
		t.Errorf("expected semantic_translation routed to power, got %s", cfg.LLMStage.SemanticTranslation)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigEnvVars(t *testing.T) {
	t.Setenv("SUBFLOW_DATA_DIR", "/tmp/test-subflow-data")
	t.Setenv("SUBFLOW_PORT", "9999")
	t.Setenv("ASR_BASE_URL", "http://localhost:5555/v1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DataDir != "/tmp/test-subflow-data" {
		t.Errorf("expected data dir override, got %s", cfg.DataDir)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.ASR.BaseURL != "http://localhost:5555/v1" {
		t.Errorf("expected ASR base url override, got %s", cfg.ASR.BaseURL)
	}

	os.RemoveAll("/tmp/test-subflow-data")
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.ModelsDir = dir + "/models"
	cfg.LogDir = dir + "/logs"
	cfg.ArtifactStore.LocalBase = dir + "/artifacts"

	cfg.EnsureDirs()

	for _, d := range []string{cfg.ModelsDir, cfg.LogDir, cfg.ArtifactStore.LocalBase} {
		if _, err := os.Stat(d); os.IsNotExist(err) {
			t.Errorf("directory not created: %s", d)
		}
	}
}

func TestValidateRejectsS3WithoutBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArtifactStore.Backend = ArtifactBackendS3
	cfg.ArtifactStore.S3Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for s3 backend without bucket")
	}
}
