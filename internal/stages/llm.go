package stages

import (
	"context"

	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/llmcore"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/sferr"
)

// LLM is the llm (stage 5) runner: global understanding followed by
// sliding-window semantic chunking + translation.
type LLM struct{}

func (LLM) Stage() models.StageName { return models.StageLLM }

func (LLM) Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error) {
	if err := deps.DB.DeleteGlobalContext(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
	}
	if err := deps.DB.DeleteSemanticChunksByProject(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
	}

	composed := reporter.SubPhase(0, 20)
	translationProfile := deps.Config.LLMStage.SemanticTranslation
	translationCfg := deps.Config.ProfileConfig(translationProfile)

	var chunks []models.SemanticChunk
	if translationCfg.APIKey == "" {
		// No LLM API key configured: fall back to trivial 1-to-1 chunking
		// rather than failing the stage outright.
		composed.Report(100, "no LLM configured, using trivial chunking")
		gc := &models.GlobalContext{ProjectID: project.ID, Topic: "unknown", Domain: "unknown", Style: "unknown", Glossary: map[string]string{}}
		if err := deps.DB.SaveGlobalContext(gc); err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
		}
		chunks = llmcore.TrivialChunking(sc.ASRSegments, project.TargetLanguage)
	} else {
		understandingProfile := deps.Config.LLMStage.GlobalUnderstanding
		understandingProvider := deps.LLMFor(understandingProfile)
		understandingSvc := llmServiceFor(understandingProfile)
		permit := deps.Tracker.Acquire(understandingSvc)
		gc, usage, err := llmcore.GlobalUnderstanding(ctx, understandingProvider, project.ID, sc.FullTranscript, project.TargetLanguage)
		permit.Release()
		if err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
		}
		composed.ReportMetrics(100, "global understanding complete", models.StageMetrics{
			LLMCallsCount: 1, LLMPromptTokens: usage.PromptTokens, LLMCompletionTokens: usage.CompletionTokens,
		})
		if err := deps.DB.SaveGlobalContext(gc); err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
		}

		translationProvider := deps.LLMFor(translationProfile)
		translationSvc := llmServiceFor(translationProfile)
		permit = deps.Tracker.Acquire(translationSvc)
		result, err := llmcore.SemanticChunking(ctx, translationProvider, sc.ASRSegments, project.TargetLanguage)
		permit.Release()
		if err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
		}
		chunks = result.Chunks
		for i := range chunks {
			chunks[i].ProjectID = project.ID
		}

		subPhase := reporter.SubPhase(20, 100)
		subPhase.ReportMetrics(100, "semantic chunking complete", models.StageMetrics{
			ItemsProcessed: len(chunks), ItemsTotal: len(chunks),
			LLMCallsCount: 1, LLMPromptTokens: result.Usage.PromptTokens, LLMCompletionTokens: result.Usage.CompletionTokens,
		})
	}

	if err := deps.DB.BulkInsertSemanticChunks(project.ID, chunks); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageLLM), project.ID, sferr.CodeLLMFailed, err)
	}

	reporter.Done("llm stage complete")
	out := *sc
	out.SemanticChunks = chunks
	gc, err := deps.DB.GetGlobalContext(project.ID)
	if err == nil {
		out.GlobalContext = gc
	}
	return &out, map[string]string{}, nil
}

func llmServiceFor(profile config.LLMProfile) concurrency.Service {
	if profile == config.ProfilePower {
		return concurrency.ServiceLLMPower
	}
	return concurrency.ServiceLLMFast
}

// HydrateLLM reconstructs stage-5 output from storage.
func HydrateLLM(deps *Deps, project *models.Project) (*models.GlobalContext, []models.SemanticChunk, error) {
	gc, err := deps.DB.GetGlobalContext(project.ID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := deps.DB.GetSemanticChunksByProject(project.ID)
	if err != nil {
		return nil, nil, err
	}
	return gc, chunks, nil
}
