package artifactstore

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/oho/subflow/internal/sferr"
)

var unsafeSegmentRe = regexp.MustCompile(`[\\/]+`)

func sanitize(s string) string {
	return unsafeSegmentRe.ReplaceAllString(s, "_")
}

// Local is the filesystem-backed artifact store: keys map to
// {base}/projects/{pid}/{sanitized_stage}/{sanitized_name}.
type Local struct {
	base string
}

func NewLocal(base string) *Local {
	return &Local{base: base}
}

func (l *Local) path(projectID, stage, name string) string {
	return filepath.Join(l.base, "projects", sanitize(projectID), sanitize(stage), sanitize(name))
}

func (l *Local) Save(projectID, stage, name string, data []byte) (string, error) {
	p := l.path(projectID, stage, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func (l *Local) Load(projectID, stage, name string) ([]byte, error) {
	p := l.path(projectID, stage, name)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &sferr.ArtifactNotFoundError{ProjectID: projectID, Stage: stage, Name: name}
		}
		return nil, err
	}
	return data, nil
}

func (l *Local) List(projectID, stage string) ([]string, error) {
	dir := filepath.Join(l.base, "projects", sanitize(projectID), sanitize(stage))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func (l *Local) ListProjectIDs() ([]string, error) {
	dir := filepath.Join(l.base, "projects")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (l *Local) DeleteProject(projectID string) (int, error) {
	dir := filepath.Join(l.base, "projects", sanitize(projectID))
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	return count, nil
}
