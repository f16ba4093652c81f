package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "subflow.db")
	db, err := storage.NewDatabase(dbPath)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, t.TempDir())
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestIngestMovesIntoContentAddressedLayout(t *testing.T) {
	s := newTestStore(t)
	if err := s.db.CreateProject(models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	src := writeTempFile(t, "hello world")

	hash, size, err := s.Ingest("p1", models.FileInputVideo, src, "video/mp4")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if size != int64(len("hello world")) {
		t.Fatalf("size = %d", size)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source file to be moved away, stat err = %v", err)
	}
	if _, err := os.Stat(s.Path(hash)); err != nil {
		t.Fatalf("expected blob at content-addressed path: %v", err)
	}

	resolved, err := s.ResolveProjectFile("p1", models.FileInputVideo)
	if err != nil {
		t.Fatalf("ResolveProjectFile: %v", err)
	}
	if resolved != s.Path(hash) {
		t.Fatalf("resolved = %q, want %q", resolved, s.Path(hash))
	}
}

func TestIngestDedupesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"p1", "p2"} {
		if err := s.db.CreateProject(models.NewProject(id, "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
			t.Fatalf("CreateProject %s: %v", id, err)
		}
	}
	src1 := writeTempFile(t, "same bytes")
	src2 := writeTempFile(t, "same bytes")

	hash1, _, err := s.Ingest("p1", models.FileInputVideo, src1, "video/mp4")
	if err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	hash2, _, err := s.Ingest("p2", models.FileInputVideo, src2, "video/mp4")
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("expected identical content to share a hash, got %q and %q", hash1, hash2)
	}
}

func TestGCUnreferencedRemovesOrphanedBlob(t *testing.T) {
	s := newTestStore(t)
	if err := s.db.CreateProject(models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	src := writeTempFile(t, "orphan me")

	hash, _, err := s.Ingest("p1", models.FileInputVideo, src, "video/mp4")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.ReleaseProject("p1"); err != nil {
		t.Fatalf("ReleaseProject: %v", err)
	}

	dryRun, err := s.GCUnreferenced(10, true)
	if err != nil {
		t.Fatalf("GCUnreferenced dry run: %v", err)
	}
	if dryRun.Deleted != 1 {
		t.Fatalf("dry run Deleted = %d, want 1", dryRun.Deleted)
	}
	if _, err := os.Stat(s.Path(hash)); err != nil {
		t.Fatalf("dry run should not remove blob: %v", err)
	}

	real, err := s.GCUnreferenced(10, false)
	if err != nil {
		t.Fatalf("GCUnreferenced: %v", err)
	}
	if real.Deleted != 1 {
		t.Fatalf("Deleted = %d, want 1", real.Deleted)
	}
	if _, err := os.Stat(s.Path(hash)); !os.IsNotExist(err) {
		t.Fatalf("expected blob removed from disk, stat err = %v", err)
	}
}

func TestDerivedBlobCache(t *testing.T) {
	s := newTestStore(t)
	src := writeTempFile(t, "derived content")

	derivedHash, err := s.PutDerived("extract_audio", "src-hash", "params-hash", src)
	if err != nil {
		t.Fatalf("PutDerived: %v", err)
	}

	hash, path, ok, err := s.GetDerived("extract_audio", "src-hash", "params-hash")
	if err != nil {
		t.Fatalf("GetDerived: %v", err)
	}
	if !ok || hash != derivedHash {
		t.Fatalf("GetDerived = %q, %v, want %q", hash, ok, derivedHash)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected derived blob on disk: %v", err)
	}
}
