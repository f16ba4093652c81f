package concurrency

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireBlocksAtMax(t *testing.T) {
	tr := NewTracker(map[Service]int{ServiceASR: 2})

	p1 := tr.Acquire(ServiceASR)
	p2 := tr.Acquire(ServiceASR)

	active, max := tr.Snapshot(ServiceASR)
	if active != 2 || max != 2 {
		t.Fatalf("expected active=2 max=2, got active=%d max=%d", active, max)
	}

	acquired := make(chan struct{})
	go func() {
		p3 := tr.Acquire(ServiceASR)
		acquired <- struct{}{}
		p3.Release()
	}()

	select {
	case <-acquired:
		t.Fatalf("third acquire should have blocked while at max")
	case <-time.After(100 * time.Millisecond):
	}

	p1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("third acquire never unblocked after release")
	}
	p2.Release()
}

func TestUpdateMaximaWakesWaiters(t *testing.T) {
	tr := NewTracker(map[Service]int{ServiceLLMFast: 1})
	p1 := tr.Acquire(ServiceLLMFast)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p2 := tr.Acquire(ServiceLLMFast)
		p2.Release()
	}()

	time.Sleep(50 * time.Millisecond)
	tr.UpdateMaxima(map[Service]int{ServiceLLMFast: 2})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiter never woke after UpdateMaxima raised the limit")
	}
	p1.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	tr := NewTracker(map[Service]int{ServiceASR: 1})
	p := tr.Acquire(ServiceASR)
	p.Release()
	p.Release()
	active, _ := tr.Snapshot(ServiceASR)
	if active != 0 {
		t.Fatalf("expected active=0 after double release, got %d", active)
	}
}
