// Package blobstore implements content-addressed storage for input media
// and their derived artifacts (extracted audio, separated vocals), backed
// by the file_blobs/project_files/derived_blobs tables and a sharded
// on-disk layout.
package blobstore

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/storage"
)

// Store wraps the storage-layer blob repository with a content-addressed
// on-disk layout rooted at {base}/blobs/{hash[0:2]}/{hash[2:4]}/{hash}.
type Store struct {
	db   *storage.Database
	base string
}

func New(db *storage.Database, base string) *Store {
	return &Store{db: db, base: base}
}

// HashFile streams a file's content through SHA-256, returning its hex
// digest and size.
func HashFile(path string) (hash string, size int64, err error) {
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

// Path returns the sharded on-disk location for a content hash.
func (s *Store) Path(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.base, "blobs", hash)
	}
	return filepath.Join(s.base, "blobs", hash[0:2], hash[2:4], hash)
}

// Ingest associates projectID's fileType slot with the blob at srcPath,
// moving it into content-addressed storage if not already present there,
// then recording the (project, file_type) -> blob mapping transactionally.
// If the destination already exists on disk it is assumed identical (same
// hash implies same bytes) and srcPath is simply removed.
func (s *Store) Ingest(projectID string, fileType models.FileType, srcPath, mime string) (hash string, size int64, err error) {
	hash, size, err = HashFile(srcPath)
	if err != nil {
		return "", 0, err
	}

	dst := s.Path(hash)
	if _, statErr := os.Stat(dst); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", 0, err
		}
		if err := os.Rename(srcPath, dst); err != nil {
			if err := copyFile(srcPath, dst); err != nil {
				return "", 0, err
			}
			os.Remove(srcPath)
		}
	} else {
		os.Remove(srcPath)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.IngestBlob(projectID, string(fileType), hash, size, mime, now); err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

// Open opens the content-addressed blob for reading.
func (s *Store) Open(hash string) (*os.File, error) {
	return os.Open(s.Path(hash))
}

// ResolveProjectFile returns the on-disk path of projectID's fileType slot,
// or "" if unset.
func (s *Store) ResolveProjectFile(projectID string, fileType models.FileType) (string, error) {
	hash, err := s.db.GetProjectFileHash(projectID, string(fileType))
	if err != nil || hash == "" {
		return "", err
	}
	return s.Path(hash), nil
}

// ReleaseProject decrements ref counts for all of projectID's file slots and
// removes the project_files rows, leaving blob bytes in place until GC.
func (s *Store) ReleaseProject(projectID string) error {
	return s.db.ReleaseProjectFiles(projectID)
}

// GCResult summarizes a garbage collection sweep.
type GCResult struct {
	Scanned     int
	Deleted     int
	BytesFreed  int64
	DryRun      bool
	HumanFreed  string
}

// GCUnreferenced scans file_blobs with ref_count <= 0, oldest-accessed
// first, and deletes up to limit of them (both the on-disk file and the
// row) unless dryRun is set. The delete is re-checked against ref_count
// inside the repository's own transaction, so a blob that gains a new
// reference between the scan and the delete survives.
func (s *Store) GCUnreferenced(limit int, dryRun bool) (GCResult, error) {
	candidates, err := s.db.FindUnreferencedBlobs(limit)
	if err != nil {
		return GCResult{}, err
	}

	result := GCResult{Scanned: len(candidates), DryRun: dryRun}
	for _, c := range candidates {
		info, statErr := os.Stat(s.Path(c.Hash))
		var size int64
		if statErr == nil {
			size = info.Size()
		}

		if dryRun {
			result.Deleted++
			result.BytesFreed += size
			continue
		}

		deleted, err := s.db.DeleteBlobIfUnreferenced(c.Hash)
		if err != nil {
			return result, err
		}
		if !deleted {
			continue
		}
		os.Remove(s.Path(c.Hash))
		result.Deleted++
		result.BytesFreed += size
	}
	result.HumanFreed = humanize.Bytes(uint64(result.BytesFreed))
	return result, nil
}

// GetDerived looks up a previously computed derived-blob transform result.
func (s *Store) GetDerived(transform, sourceHash, paramsHash string) (hash string, path string, ok bool, err error) {
	hash, err = s.db.GetDerived(transform, sourceHash, paramsHash)
	if err != nil || hash == "" {
		return "", "", false, err
	}
	return hash, s.Path(hash), true, nil
}

// PutDerived ingests a locally produced derived artifact (e.g. extracted
// audio) into content-addressed storage and records the transform cache
// entry keyed by (transform, sourceHash, paramsHash).
func (s *Store) PutDerived(transform, sourceHash, paramsHash, localPath string) (hash string, err error) {
	hash, _, err = HashFile(localPath)
	if err != nil {
		return "", err
	}
	dst := s.Path(hash)
	if _, statErr := os.Stat(dst); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", err
		}
		if err := os.Rename(localPath, dst); err != nil {
			if err := copyFile(localPath, dst); err != nil {
				return "", err
			}
			os.Remove(localPath)
		}
	} else {
		os.Remove(localPath)
	}
	if err := s.db.SetDerived(transform, sourceHash, paramsHash, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
