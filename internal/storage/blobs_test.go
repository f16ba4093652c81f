package storage

import (
	"testing"
	"time"

	"github.com/oho/subflow/internal/models"
)

func TestIngestBlobNewAndReplace(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := db.IngestBlob("p1", "input_video", "hash-a", 100, "video/mp4", now); err != nil {
		t.Fatalf("IngestBlob: %v", err)
	}

	hash, err := db.GetProjectFileHash("p1", "input_video")
	if err != nil || hash != "hash-a" {
		t.Fatalf("GetProjectFileHash = %q, %v", hash, err)
	}

	blobs, err := db.FindUnreferencedBlobs(10)
	if err != nil {
		t.Fatalf("FindUnreferencedBlobs: %v", err)
	}
	if len(blobs) != 0 {
		t.Fatalf("expected hash-a to be referenced, got %+v", blobs)
	}

	// Re-ingesting a different hash for the same slot should drop the old
	// blob's ref_count to zero and make it GC-eligible.
	if err := db.IngestBlob("p1", "input_video", "hash-b", 200, "video/mp4", now); err != nil {
		t.Fatalf("IngestBlob replace: %v", err)
	}
	blobs, err = db.FindUnreferencedBlobs(10)
	if err != nil {
		t.Fatalf("FindUnreferencedBlobs: %v", err)
	}
	if len(blobs) != 1 || blobs[0].Hash != "hash-a" {
		t.Fatalf("expected hash-a unreferenced, got %+v", blobs)
	}
}

func TestReleaseProjectFilesDecrementsRefCount(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := db.IngestBlob("p1", "input_video", "hash-a", 100, "video/mp4", now); err != nil {
		t.Fatalf("IngestBlob: %v", err)
	}

	if err := db.ReleaseProjectFiles("p1"); err != nil {
		t.Fatalf("ReleaseProjectFiles: %v", err)
	}

	blobs, err := db.FindUnreferencedBlobs(10)
	if err != nil {
		t.Fatalf("FindUnreferencedBlobs: %v", err)
	}
	if len(blobs) != 1 || blobs[0].Hash != "hash-a" {
		t.Fatalf("expected hash-a unreferenced, got %+v", blobs)
	}

	hash, err := db.GetProjectFileHash("p1", "input_video")
	if err != nil || hash != "" {
		t.Fatalf("expected no project file after release, got %q, %v", hash, err)
	}
}

func TestDeleteBlobIfUnreferencedRechecksRefCount(t *testing.T) {
	db := newTestDB(t)
	p := models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := db.IngestBlob("p1", "input_video", "hash-a", 100, "video/mp4", now); err != nil {
		t.Fatalf("IngestBlob: %v", err)
	}
	if err := db.ReleaseProjectFiles("p1"); err != nil {
		t.Fatalf("ReleaseProjectFiles: %v", err)
	}

	// A fresh reference appearing between scan and delete must block deletion.
	if err := db.CreateProject(models.NewProject("p2", "demo", "file:///tmp/demo.mp4", "zh")); err != nil {
		t.Fatalf("CreateProject p2: %v", err)
	}
	if err := db.IngestBlob("p2", "input_video", "hash-a", 100, "video/mp4", now); err != nil {
		t.Fatalf("IngestBlob p2: %v", err)
	}

	deleted, err := db.DeleteBlobIfUnreferenced("hash-a")
	if err != nil {
		t.Fatalf("DeleteBlobIfUnreferenced: %v", err)
	}
	if deleted {
		t.Fatalf("expected hash-a to survive due to p2's reference")
	}
}

func TestDerivedBlobRoundtrip(t *testing.T) {
	db := newTestDB(t)
	hash, err := db.GetDerived("extract_audio", "src-hash", "params-hash")
	if err != nil || hash != "" {
		t.Fatalf("expected empty result before SetDerived, got %q, %v", hash, err)
	}

	if err := db.SetDerived("extract_audio", "src-hash", "params-hash", "dst-hash"); err != nil {
		t.Fatalf("SetDerived: %v", err)
	}
	hash, err = db.GetDerived("extract_audio", "src-hash", "params-hash")
	if err != nil || hash != "dst-hash" {
		t.Fatalf("GetDerived = %q, %v", hash, err)
	}

	if err := db.SetDerived("extract_audio", "src-hash", "params-hash", "dst-hash-2"); err != nil {
		t.Fatalf("SetDerived overwrite: %v", err)
	}
	hash, err = db.GetDerived("extract_audio", "src-hash", "params-hash")
	if err != nil || hash != "dst-hash-2" {
		t.Fatalf("GetDerived after overwrite = %q, %v", hash, err)
	}
}
