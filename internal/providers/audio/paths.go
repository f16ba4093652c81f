package audio

import (
	"path/filepath"
	"strings"
)

// demucsVocalsPath computes demucs's deterministic output layout:
// {outDir}/{model}/{basename-without-ext}/vocals.wav.
func demucsVocalsPath(outDir, model, audioPath string) string {
	base := filepath.Base(audioPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outDir, model, base, "vocals.wav")
}
