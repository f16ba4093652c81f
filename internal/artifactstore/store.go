// Package artifactstore implements a namespaced key-value byte store for
// per-stage JSON/text/binary artifacts, keyed by (project_id, stage, name).
package artifactstore

import (
	"encoding/json"

	"github.com/oho/subflow/internal/sferr"
)

// Store is the contract both the local filesystem and S3-compatible
// backends implement.
type Store interface {
	Save(projectID, stage, name string, data []byte) (identifier string, err error)
	Load(projectID, stage, name string) ([]byte, error)
	List(projectID, stage string) ([]string, error)
	ListProjectIDs() ([]string, error)
	DeleteProject(projectID string) (count int, err error)
}

// SaveText is a convenience wrapper around Save for UTF-8 text artifacts.
func SaveText(s Store, projectID, stage, name, text string) (string, error) {
	return s.Save(projectID, stage, name, []byte(text))
}

// LoadText is a convenience wrapper around Load for UTF-8 text artifacts.
func LoadText(s Store, projectID, stage, name string) (string, error) {
	data, err := s.Load(projectID, stage, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveJSON marshals v with indentation and non-ASCII preserved (Go's
// encoding/json never escapes to \uXXXX by default for UTF-8 output besides
// HTML-unsafe characters, which stage artifacts never contain).
func SaveJSON(s Store, projectID, stage, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return s.Save(projectID, stage, name, data)
}

// LoadJSON loads and unmarshals a JSON artifact into v, surfacing a
// sferr.ArtifactNotFoundError-compatible error when absent (callers compare
// the loader's own NotFound error, not this wrapper, since Store.Load is
// responsible for that classification).
func LoadJSON(s Store, projectID, stage, name string, v any) error {
	data, err := s.Load(projectID, stage, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return sferr.NewProviderError("artifactstore", "corrupt JSON artifact "+name+": "+err.Error(), false)
	}
	return nil
}
