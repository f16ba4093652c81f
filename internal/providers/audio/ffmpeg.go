// Package audio implements the AudioProvider via ffmpeg/demucs subprocesses.
package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/oho/subflow/internal/sferr"
)

// FFmpeg shells out to ffmpeg for extraction/normalization and to demucs for
// vocal separation. Every call runs in a goroutine-friendly way: os/exec
// already multiplexes the blocking wait off the calling goroutine's OS
// thread budget, so no dedicated worker pool is needed.
type FFmpeg struct {
	ffmpegBin string
	demucsBin string
	demucsModel string
}

func NewFFmpeg(ffmpegBin, demucsBin, demucsModel string) *FFmpeg {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if demucsBin == "" {
		demucsBin = "demucs"
	}
	return &FFmpeg{ffmpegBin: ffmpegBin, demucsBin: demucsBin, demucsModel: demucsModel}
}

func (f *FFmpeg) Close() error { return nil }

// ExtractAudio converts input to 16kHz mono WAV, optionally truncated.
func (f *FFmpeg) ExtractAudio(ctx context.Context, input, out string, maxDurationS float64) error {
	args := []string{"-y", "-i", input, "-ac", "1", "-ar", "16000"}
	if maxDurationS > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxDurationS, 'f', -1, 64))
	}
	args = append(args, out)
	return f.run(ctx, f.ffmpegBin, args...)
}

// SeparateVocals invokes demucs and returns the vocals stem path it wrote
// into outDir (demucs lays out {outDir}/{model}/{basename}/vocals.wav).
func (f *FFmpeg) SeparateVocals(ctx context.Context, audio, outDir string) (string, error) {
	args := []string{"-n", f.demucsModel, "--two-stems", "vocals", "-o", outDir, audio}
	if err := f.run(ctx, f.demucsBin, args...); err != nil {
		return "", err
	}
	return demucsVocalsPath(outDir, f.demucsModel, audio), nil
}

// CutSegment extracts [start, end) seconds from in into out.
func (f *FFmpeg) CutSegment(ctx context.Context, in, out string, start, end float64) error {
	args := []string{
		"-y", "-i", in,
		"-ss", strconv.FormatFloat(start, 'f', -1, 64),
		"-to", strconv.FormatFloat(end, 'f', -1, 64),
		"-ac", "1", "-ar", "16000", out,
	}
	return f.run(ctx, f.ffmpegBin, args...)
}

func (f *FFmpeg) NormalizeAudio(ctx context.Context, in, out string, targetDB float64) (string, error) {
	filter := fmt.Sprintf("loudnorm=I=%s:TP=-1.5:LRA=11", strconv.FormatFloat(targetDB, 'f', -1, 64))
	if err := f.run(ctx, f.ffmpegBin, "-y", "-i", in, "-af", filter, out); err != nil {
		return "", err
	}
	return out, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return sferr.NewConfigurationError("cancelled running %s: %s", bin, ctx.Err())
		}
		return sferr.NewProviderError(bin, string(output), false)
	}
	return nil
}
