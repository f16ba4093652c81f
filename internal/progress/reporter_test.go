package progress

import (
	"testing"
	"time"

	"github.com/oho/subflow/internal/models"
)

type fakeStore struct {
	calls []int
}

func (f *fakeStore) SetProgress(projectID string, stage models.StageName, progress int, message string, metrics *models.StageMetrics) error {
	f.calls = append(f.calls, progress)
	return nil
}

func TestReportRateLimitsSmallDeltas(t *testing.T) {
	store := &fakeStore{}
	r := New(store, "p1", models.StageASR, nil)
	r.Report(1, "starting")
	r.Report(2, "barely moved")
	if len(store.calls) != 1 {
		t.Fatalf("expected small delta within the interval to be dropped, got %d calls: %v", len(store.calls), store.calls)
	}
}

func TestReportDropsRegressions(t *testing.T) {
	store := &fakeStore{}
	r := New(store, "p1", models.StageASR, nil)
	r.Report(50, "half")
	r.Report(10, "regressed")
	if len(store.calls) != 1 || store.calls[0] != 50 {
		t.Fatalf("expected regression to be dropped, got %v", store.calls)
	}
}

func TestDoneAlwaysEmits(t *testing.T) {
	store := &fakeStore{}
	r := New(store, "p1", models.StageASR, nil)
	r.Report(1, "starting")
	r.Done("finished")
	last := store.calls[len(store.calls)-1]
	if last != 100 {
		t.Fatalf("expected terminal update to be 100, got %d", last)
	}
}

func TestSubPhaseMapsIntoOuterRange(t *testing.T) {
	store := &fakeStore{}
	r := New(store, "p1", models.StageLLM, nil)
	sub := r.SubPhase(20, 100)
	sub.Report(50, "halfway through chunking")
	if len(store.calls) != 1 || store.calls[0] != 60 {
		t.Fatalf("expected 50%% of [20,100] to map to 60, got %v", store.calls)
	}
}

func TestRateLimitAllowsAfterInterval(t *testing.T) {
	store := &fakeStore{}
	r := New(store, "p1", models.StageASR, nil)
	r.minInterval = 10 * time.Millisecond
	r.Report(1, "starting")
	time.Sleep(20 * time.Millisecond)
	r.Report(2, "still small but interval elapsed")
	if len(store.calls) != 2 {
		t.Fatalf("expected second report past the interval to persist, got %v", store.calls)
	}
}
