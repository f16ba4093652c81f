package stages

import "github.com/oho/subflow/internal/models"

// Runners is the fixed stage-name -> runner dispatch table the orchestrator
// drives in StageOrder.
var Runners = map[models.StageName]Runner{
	models.StageAudioPreprocess:    AudioPreprocess{},
	models.StageVAD:                VAD{},
	models.StageASR:                ASR{},
	models.StageLLMASRCorrection:   LLMASRCorrection{},
	models.StageLLM:                LLM{},
}
