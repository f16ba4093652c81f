// Package vad implements the VADProvider. This default backend shells out to
// a configurable external VAD model script and parses its stdout, keeping
// the algorithmic internals opaque to the orchestrator.
package vad

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/sferr"
)

// Default invokes an external VAD script (e.g. a silero-vad wrapper) and
// parses newline-delimited "start end" region rows from its stdout (extra
// fields are ignored); frame probabilities come from "P prob..." lines and
// are kept only when requested.
type Default struct {
	scriptBin string
	modelPath string
	device    string
	frameHopS float64
}

func New(scriptBin, modelPath, device string, frameHopS float64) *Default {
	if frameHopS <= 0 {
		frameHopS = 0.02
	}
	return &Default{scriptBin: scriptBin, modelPath: modelPath, device: device, frameHopS: frameHopS}
}

func (d *Default) Close() error { return nil }

func (d *Default) FrameHopS() float64 { return d.frameHopS }

func (d *Default) Detect(ctx context.Context, audioPath string) ([]providers.VADRegion, error) {
	regions, _, err := d.detect(ctx, audioPath, false)
	return regions, err
}

func (d *Default) DetectWithProbs(ctx context.Context, audioPath string) ([]providers.VADRegion, []float32, error) {
	return d.detect(ctx, audioPath, true)
}

func (d *Default) detect(ctx context.Context, audioPath string, withProbs bool) ([]providers.VADRegion, []float32, error) {
	args := []string{"--audio", audioPath, "--model", d.modelPath, "--device", d.device}
	if withProbs {
		args = append(args, "--emit-frame-probs")
	}
	cmd := exec.CommandContext(ctx, d.scriptBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, sferr.NewProviderError("vad", stderr.String(), false)
	}

	var regions []providers.VADRegion
	var probs []float32
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "P ") {
			if !withProbs {
				continue
			}
			for _, f := range strings.Fields(line[2:]) {
				v, err := strconv.ParseFloat(f, 32)
				if err == nil {
					probs = append(probs, float32(v))
				}
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		start, err1 := strconv.ParseFloat(fields[0], 64)
		end, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			return nil, nil, sferr.NewProviderError("vad", fmt.Sprintf("malformed region line %q", line), false)
		}
		regions = append(regions, providers.VADRegion{Start: start, End: end})
	}
	return regions, probs, nil
}
