package stages

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/sferr"
)

const vadFrameProbsArtifact = "vad_frame_probs.bin"

var vadFrameProbsMagic = [8]byte{'S', 'F', 'V', 'A', 'D', 'P', '1', 0}

// VAD is the vad (stage 2) runner.
type VAD struct{}

func (VAD) Stage() models.StageName { return models.StageVAD }

func (VAD) Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error) {
	if err := deps.DB.DeleteVADRegionsByProject(project.ID); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageVAD), project.ID, sferr.CodeVADFailed, err)
	}

	reporter.Report(10, "detecting speech regions")
	regions, probs, err := deps.VADP.DetectWithProbs(ctx, sc.VocalsAudioPath)
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageVAD), project.ID, sferr.CodeVADFailed, err)
	}

	modelRegions := make([]models.VADRegion, len(regions))
	for i, r := range regions {
		modelRegions[i] = models.VADRegion{ProjectID: project.ID, RegionID: i, Start: r.Start, End: r.End}
	}
	reporter.Report(60, "persisting speech regions")
	if err := deps.DB.BulkInsertVADRegions(project.ID, modelRegions); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageVAD), project.ID, sferr.CodeVADFailed, err)
	}

	artifacts := map[string]string{}
	if len(probs) > 0 {
		reporter.Report(85, "encoding frame probabilities")
		encoded := encodeFrameProbs(deps.VADP.FrameHopS(), probs)
		identifier, err := deps.Artifacts.Save(project.ID, string(models.StageVAD), vadFrameProbsArtifact, encoded)
		if err != nil {
			return nil, nil, sferr.NewStageExecutionError(string(models.StageVAD), project.ID, sferr.CodeVADFailed, err)
		}
		artifacts[vadFrameProbsArtifact] = identifier
	}

	reporter.Done("vad complete")
	out := *sc
	out.VADRegions = modelRegions
	return &out, artifacts, nil
}

// HydrateVAD reconstructs stage-2 output from storage.
func HydrateVAD(deps *Deps, project *models.Project) ([]models.VADRegion, error) {
	return deps.DB.GetVADRegionsByProject(project.ID)
}

// encodeFrameProbs serializes frame-level speech probabilities as: 8-byte
// magic, float64 frame hop, uint32 count, then float32[count] little-endian.
func encodeFrameProbs(frameHopS float64, probs []float32) []byte {
	buf := make([]byte, 8+8+4+4*len(probs))
	copy(buf[0:8], vadFrameProbsMagic[:])
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(frameHopS))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(probs)))
	for i, p := range probs {
		binary.LittleEndian.PutUint32(buf[20+4*i:24+4*i], math.Float32bits(p))
	}
	return buf
}

// DecodeFrameProbs is the inverse of encodeFrameProbs, exported for tooling
// that inspects the stored artifact.
func DecodeFrameProbs(data []byte) (frameHopS float64, probs []float32, ok bool) {
	if len(data) < 20 {
		return 0, nil, false
	}
	for i := range vadFrameProbsMagic {
		if data[i] != vadFrameProbsMagic[i] {
			return 0, nil, false
		}
	}
	frameHopS = math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	count := binary.LittleEndian.Uint32(data[16:20])
	if len(data) < int(20+4*count) {
		return 0, nil, false
	}
	probs = make([]float32, count)
	for i := range probs {
		probs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[20+4*i : 24+4*i]))
	}
	return frameHopS, probs, true
}
