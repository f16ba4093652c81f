// Package stages implements one runner per pipeline stage, each idempotent
// against its own prior output and driven by the orchestrator's
// hydrate-then-drive loop.
package stages

import (
	"context"

	"github.com/oho/subflow/internal/artifactstore"
	"github.com/oho/subflow/internal/blobstore"
	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/storage"
)

// Deps bundles everything a runner needs: settings, repositories, the
// artifact and blob stores, provider factories, and the concurrency
// tracker. A single Deps is constructed once at process startup and shared
// by every stage invocation.
type Deps struct {
	Config      config.Config
	DB          *storage.Database
	Artifacts   artifactstore.Store
	Blobs       *blobstore.Store
	Tracker     *concurrency.Tracker
	HealthMon   *health.Monitor
	AudioP      providers.AudioProvider
	VADP        providers.VADProvider
	ASRP        providers.ASRProvider
	LLMFast     providers.LLMProvider
	LLMPower    providers.LLMProvider
}

// LLMFor returns the provider bound to a stage's configured profile.
func (d *Deps) LLMFor(profile config.LLMProfile) providers.LLMProvider {
	if profile == config.ProfilePower {
		return d.LLMPower
	}
	return d.LLMFast
}

// Context is the in-memory execution context threaded between stages,
// either carried forward within one process lifetime or rehydrated from
// storage on a cold resume.
type Context struct {
	VocalsAudioPath string
	AudioHash       string
	VocalsHash      string

	VADRegions []models.VADRegion

	ASRSegments     []models.ASRSegment
	FullTranscript  string
	MergedChunks    []models.ASRMergedChunk

	GlobalContext  *models.GlobalContext
	SemanticChunks []models.SemanticChunk
}

// Runner executes exactly one stage.
type Runner interface {
	Stage() models.StageName
	Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error)
}
