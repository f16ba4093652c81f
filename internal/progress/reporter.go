// Package progress implements rate-limited stage progress/metrics
// persistence wrapping a stage run.
package progress

import (
	"sync"
	"time"

	"github.com/oho/subflow/internal/models"
)

const (
	defaultMinDeltaPercent = 5
	defaultMinInterval     = time.Second
)

// Store is the subset of the StageRun repository the reporter writes
// through; satisfied by *storage.Database.
type Store interface {
	SetProgress(projectID string, stage models.StageName, progress int, message string, metrics *models.StageMetrics) error
}

// OnUpdate is notified after every persisted (non-rate-limited) update. The
// orchestrator passes a no-op callback.
type OnUpdate func(projectID string, stage models.StageName, progress int)

// Reporter rate-limits and persists progress for a single (project, stage)
// stage run.
type Reporter struct {
	store     Store
	projectID string
	stage     models.StageName
	onUpdate  OnUpdate

	minDelta    int
	minInterval time.Duration

	mu          sync.Mutex
	lastPercent int
	lastAt      time.Time
	metrics     models.StageMetrics
	everSent    bool
}

func New(store Store, projectID string, stage models.StageName, onUpdate OnUpdate) *Reporter {
	return &Reporter{
		store:       store,
		projectID:   projectID,
		stage:       stage,
		onUpdate:    onUpdate,
		minDelta:    defaultMinDeltaPercent,
		minInterval: defaultMinInterval,
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Report persists progress if it passes the rate limits: a minimum percent
// delta and a minimum wall-clock interval since the last persisted update.
// Regressions (progress < last persisted value) are always dropped.
func (r *Reporter) Report(progressPercent int, message string) {
	r.reportInternal(progressPercent, message, false)
}

// ReportMetrics merges metrics into the persisted metadata without forcing a
// progress write, except it still respects the same rate limits as Report
// when progressPercent changes.
func (r *Reporter) ReportMetrics(progressPercent int, message string, metrics models.StageMetrics) {
	r.mu.Lock()
	r.metrics = mergeMetrics(r.metrics, metrics)
	r.mu.Unlock()
	r.reportInternal(progressPercent, message, false)
}

// Done emits a terminal 100% update unconditionally, bypassing rate limits
// on final success, since a terminal update must be emitted regardless.
func (r *Reporter) Done(message string) {
	r.reportInternal(100, message, true)
}

func (r *Reporter) reportInternal(progressPercent int, message string, force bool) {
	p := clamp(progressPercent)

	r.mu.Lock()
	if !force {
		if p < r.lastPercent {
			r.mu.Unlock()
			return
		}
		if r.everSent && p-r.lastPercent < r.minDelta && time.Since(r.lastAt) < r.minInterval {
			r.mu.Unlock()
			return
		}
	}
	r.lastPercent = p
	r.lastAt = time.Now()
	r.everSent = true
	metrics := r.metrics
	r.mu.Unlock()

	_ = r.store.SetProgress(r.projectID, r.stage, p, message, &metrics)
	if r.onUpdate != nil {
		r.onUpdate(r.projectID, r.stage, p)
	}
}

func mergeMetrics(base, update models.StageMetrics) models.StageMetrics {
	if update.ItemsProcessed != 0 {
		base.ItemsProcessed = update.ItemsProcessed
	}
	if update.ItemsTotal != 0 {
		base.ItemsTotal = update.ItemsTotal
	}
	if update.ItemsPerSecond != 0 {
		base.ItemsPerSecond = update.ItemsPerSecond
	}
	base.LLMPromptTokens += update.LLMPromptTokens
	base.LLMCompletionTokens += update.LLMCompletionTokens
	base.LLMCallsCount += update.LLMCallsCount
	if update.LLMTokensPerSecond != 0 {
		base.LLMTokensPerSecond = update.LLMTokensPerSecond
	}
	if update.ActiveTasks != 0 {
		base.ActiveTasks = update.ActiveTasks
	}
	if update.MaxConcurrent != 0 {
		base.MaxConcurrent = update.MaxConcurrent
	}
	return base
}

// Composed maps a sub-phase's [0,100] progress into an outer [lo,hi] range
// and accumulates token counters across sub-phases, used by the llm stage to
// blend global-understanding and semantic-chunking progress into one
// stage-run.
type Composed struct {
	parent *Reporter
	lo, hi int
}

func (r *Reporter) SubPhase(lo, hi int) *Composed {
	return &Composed{parent: r, lo: lo, hi: hi}
}

func (c *Composed) Report(subPercent int, message string) {
	outer := c.lo + (clamp(subPercent)*(c.hi-c.lo))/100
	c.parent.Report(outer, message)
}

func (c *Composed) ReportMetrics(subPercent int, message string, metrics models.StageMetrics) {
	outer := c.lo + (clamp(subPercent)*(c.hi-c.lo))/100
	c.parent.ReportMetrics(outer, message, metrics)
}
