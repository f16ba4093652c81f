package projectstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oho/subflow/internal/models"
)

type fakeRepo struct {
	projects map[string]*models.Project
	calls    int
}

func (f *fakeRepo) GetProject(id string) (*models.Project, error) {
	f.calls++
	return f.projects[id], nil
}

func newTestStore(t *testing.T) (*Store, *fakeRepo) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := &fakeRepo{projects: map[string]*models.Project{}}
	return New(client, time.Hour, repo), repo
}

func TestGetFallsBackToDatabaseOnMiss(t *testing.T) {
	store, repo := newTestStore(t)
	repo.projects["p1"] = models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")

	p, err := store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p == nil || p.ID != "p1" {
		t.Fatalf("unexpected project: %+v", p)
	}
	if repo.calls != 1 {
		t.Fatalf("expected one database call, got %d", repo.calls)
	}
}

func TestGetServesFromCacheOnSecondCall(t *testing.T) {
	store, repo := newTestStore(t)
	repo.projects["p1"] = models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")

	if _, err := store.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	if _, err := store.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if repo.calls != 1 {
		t.Fatalf("expected cached second call to skip the database, got %d calls", repo.calls)
	}
}

func TestDeleteEvictsCache(t *testing.T) {
	store, repo := newTestStore(t)
	repo.projects["p1"] = models.NewProject("p1", "demo", "file:///tmp/demo.mp4", "zh")

	if _, err := store.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := store.Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected database hit again after evict, got %d calls", repo.calls)
	}
}

func TestGetReturnsNilForMissingProject(t *testing.T) {
	store, _ := newTestStore(t)
	p, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil project, got %+v", p)
	}
}
