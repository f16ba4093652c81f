package stages

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/oho/subflow/internal/artifactstore"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/progress"
	"github.com/oho/subflow/internal/sferr"
)

const stage1ArtifactName = "stage1.json"

// stage1Artifact is what gets persisted for hydration: blob hashes, not raw
// paths, since the data directory is the only stable coordinate across
// process restarts.
type stage1Artifact struct {
	InputVideoHash string `json:"input_video_hash"`
	AudioHash      string `json:"audio_hash"`
	VocalsHash     string `json:"vocals_hash"`
}

// AudioPreprocess is the audio_preprocess (stage 1) runner.
type AudioPreprocess struct{}

func (AudioPreprocess) Stage() models.StageName { return models.StageAudioPreprocess }

func (AudioPreprocess) Run(ctx context.Context, deps *Deps, project *models.Project, sc *Context, reporter *progress.Reporter) (*Context, map[string]string, error) {
	workDir, err := os.MkdirTemp("", "subflow-audiopre-"+project.ID+"-")
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
	}
	defer os.RemoveAll(workDir)

	reporter.Report(5, "resolving source media")
	localInput, err := resolveMediaSource(ctx, project.MediaURL, workDir)
	if err != nil {
		return nil, nil, wrapStage1Err(project.ID, err)
	}

	reporter.Report(20, "extracting audio track")
	audioPath := filepath.Join(workDir, "audio.wav")
	if err := deps.AudioP.ExtractAudio(ctx, localInput, audioPath, deps.Config.Audio.MaxDurationS); err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
	}

	audioHash, _, err := hashFile(audioPath)
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
	}

	vocalsPath := audioPath
	vocalsHash := audioHash
	if !deps.Config.Audio.SkipDemucs {
		reporter.Report(50, "separating vocals")
		paramsHash := derivedParamsHash(deps.Config.Audio.Normalize, deps.Config.Audio.NormalizeTargetDB)
		if dstHash, dstPath, ok, err := deps.Blobs.GetDerived("demucs_vocals", audioHash, paramsHash); err == nil && ok {
			vocalsPath, vocalsHash = dstPath, dstHash
		} else {
			separated, err := deps.AudioP.SeparateVocals(ctx, audioPath, workDir)
			if err != nil {
				return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
			}
			if deps.Config.Audio.Normalize {
				normalized := filepath.Join(workDir, "vocals_norm.wav")
				separated, err = deps.AudioP.NormalizeAudio(ctx, separated, normalized, deps.Config.Audio.NormalizeTargetDB)
				if err != nil {
					return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
				}
			}
			dstHash, err := deps.Blobs.PutDerived("demucs_vocals", audioHash, paramsHash, separated)
			if err != nil {
				return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
			}
			vocalsPath, vocalsHash = deps.Blobs.Path(dstHash), dstHash
		}
	}

	reporter.Report(85, "ingesting media into blob store")
	inputVideoHash, _, err := deps.Blobs.Ingest(project.ID, models.FileInputVideo, localInput, "")
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
	}

	artifact := stage1Artifact{InputVideoHash: inputVideoHash, AudioHash: audioHash, VocalsHash: vocalsHash}
	identifier, err := artifactstore.SaveJSON(deps.Artifacts, project.ID, string(models.StageAudioPreprocess), stage1ArtifactName, artifact)
	if err != nil {
		return nil, nil, sferr.NewStageExecutionError(string(models.StageAudioPreprocess), project.ID, sferr.CodeAudioPreprocessFailed, err)
	}

	reporter.Done("audio preprocessing complete")
	out := *sc
	out.VocalsAudioPath = vocalsPath
	out.AudioHash = audioHash
	out.VocalsHash = vocalsHash
	return &out, map[string]string{stage1ArtifactName: identifier}, nil
}

// HydrateAudioPreprocess reconstructs the stage-1 context from its
// persisted artifact, resolving blob hashes back to on-disk paths.
func HydrateAudioPreprocess(deps *Deps, project *models.Project) (*Context, error) {
	var artifact stage1Artifact
	if err := artifactstore.LoadJSON(deps.Artifacts, project.ID, string(models.StageAudioPreprocess), stage1ArtifactName, &artifact); err != nil {
		return nil, err
	}
	return &Context{
		VocalsAudioPath: deps.Blobs.Path(artifact.VocalsHash),
		AudioHash:       artifact.AudioHash,
		VocalsHash:      artifact.VocalsHash,
	}, nil
}

func wrapStage1Err(projectID string, err error) error {
	if _, ok := err.(*sferr.ConfigurationError); ok {
		return err
	}
	return sferr.NewStageExecutionError(string(models.StageAudioPreprocess), projectID, sferr.CodeAudioPreprocessFailed, err)
}

// resolveMediaSource returns a local path for mediaURL: local paths and
// file:// URLs are returned as they are, and http(s) URLs are downloaded to a
// file under workDir; any other scheme is a configuration error.
func resolveMediaSource(ctx context.Context, mediaURL, workDir string) (string, error) {
	u, err := url.Parse(mediaURL)
	if err != nil || u.Scheme == "" {
		if _, statErr := os.Stat(mediaURL); statErr != nil {
			return "", sferr.NewConfigurationError("media source not found: %s", mediaURL)
		}
		return mediaURL, nil
	}

	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "http", "https":
		dst := filepath.Join(workDir, "input"+filepath.Ext(u.Path))
		if err := downloadTo(ctx, mediaURL, dst); err != nil {
			return "", err
		}
		return dst, nil
	default:
		return "", sferr.NewConfigurationError("unsupported media source scheme: %s", u.Scheme)
	}
}

const downloadChunkSize = 1 << 20

func downloadTo(ctx context.Context, mediaURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download failed: %s: status %d", mediaURL, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, downloadChunkSize)
	_, err = io.CopyBuffer(f, resp.Body, buf)
	return err
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}

func derivedParamsHash(normalize bool, targetDB float64) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprintf("normalize=%v;target_db=%v", normalize, targetDB))))[:16]
}
