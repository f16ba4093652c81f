// Package health implements a passive, process-wide observer fed by every
// LLM call, aggregating per-profile success/error/latency into a windowed
// snapshot.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the derived health of a single profile or of the whole monitor.
type Status string

const (
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusUnknown  Status = "unknown"
	StatusDegraded Status = "degraded"
	StatusHealthy  Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const staleThreshold = 600 * time.Second
const windowDuration = time.Hour

type event struct {
	ts      time.Time
	success bool
}

type profileState struct {
	provider      string
	model         string
	lastSuccess   time.Time
	lastError     time.Time
	lastErrorMsg  string
	lastLatencyMs int64
	window        []event
}

// Monitor aggregates call outcomes per LLM profile (fast, power). It never
// returns an error to callers — report methods are fire-and-forget.
type Monitor struct {
	mu       sync.Mutex
	profiles map[string]*profileState

	redis     *redis.Client
	mirrorTTL time.Duration
}

// NewMonitor builds a Monitor. redisClient may be nil, in which case the
// monitor is purely in-process.
func NewMonitor(redisClient *redis.Client, mirrorTTL time.Duration) *Monitor {
	return &Monitor{
		profiles:  make(map[string]*profileState),
		redis:     redisClient,
		mirrorTTL: mirrorTTL,
	}
}

func (m *Monitor) state(profile string) *profileState {
	st, ok := m.profiles[profile]
	if !ok {
		st = &profileState{}
		m.profiles[profile] = st
	}
	return st
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ReportSuccess records a successful call. Never blocks the caller on
// anything but a short mutex critical section; the Redis mirror write (if
// configured) happens asynchronously in its own goroutine.
func (m *Monitor) ReportSuccess(profile, provider, model string, latencyMs int64) {
	now := time.Now()
	m.mu.Lock()
	st := m.state(profile)
	st.provider, st.model = provider, model
	st.lastSuccess = now
	st.lastLatencyMs = latencyMs
	st.window = appendEvent(st.window, event{ts: now, success: true})
	snap := *st
	m.mu.Unlock()
	go m.mirror(profile, snap)
}

// ReportError records a failed call.
func (m *Monitor) ReportError(profile, provider, model string, latencyMs int64, err error) {
	now := time.Now()
	m.mu.Lock()
	st := m.state(profile)
	st.provider, st.model = provider, model
	st.lastError = now
	st.lastLatencyMs = latencyMs
	if err != nil {
		st.lastErrorMsg = truncate(err.Error(), 500)
	}
	st.window = appendEvent(st.window, event{ts: now, success: false})
	snap := *st
	m.mu.Unlock()
	go m.mirror(profile, snap)
}

func appendEvent(window []event, e event) []event {
	window = append(window, e)
	cutoff := time.Now().Add(-windowDuration)
	i := 0
	for i < len(window) && window[i].ts.Before(cutoff) {
		i++
	}
	return window[i:]
}

// ProfileSnapshot is the externally visible state for one profile.
type ProfileSnapshot struct {
	Status          Status `json:"status"`
	ConfiguredProvider string `json:"configured_provider"`
	ConfiguredModel string `json:"configured_model"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastError       *time.Time `json:"last_error,omitempty"`
	LastErrorMsg    string `json:"last_error_message,omitempty"`
	LastLatencyMs   int64  `json:"last_latency_ms"`
	WindowSuccesses int    `json:"window_successes"`
	WindowErrors    int    `json:"window_errors"`
}

// HealthResponse is the overall snapshot across all configured profiles.
type HealthResponse struct {
	Overall  Status                     `json:"overall"`
	Profiles map[string]ProfileSnapshot `json:"profiles"`
}

// Snapshot derives a HealthResponse. configured maps profile name to
// (provider, model) as currently configured, used to populate snapshots for
// profiles that have no events yet.
func (m *Monitor) Snapshot(configured map[string][2]string) HealthResponse {
	m.mu.Lock()
	localProfiles := make(map[string]*profileState, len(m.profiles))
	for k, v := range m.profiles {
		cp := *v
		localProfiles[k] = &cp
	}
	m.mu.Unlock()

	remote := m.loadRemote()

	profiles := make(map[string]ProfileSnapshot, len(configured))
	allOK, allErr, allUnknown := true, true, true
	for name, pm := range configured {
		st, ok := localProfiles[name]
		if r, hasRemote := remote[name]; hasRemote && (!ok || r.newerThan(st)) {
			st = r
			ok = true
		}
		snap := ProfileSnapshot{ConfiguredProvider: pm[0], ConfiguredModel: pm[1]}
		if !ok {
			snap.Status = StatusUnknown
		} else {
			snap.LastLatencyMs = st.lastLatencyMs
			if !st.lastSuccess.IsZero() {
				t := st.lastSuccess
				snap.LastSuccess = &t
			}
			if !st.lastError.IsZero() {
				t := st.lastError
				snap.LastError = &t
				snap.LastErrorMsg = st.lastErrorMsg
			}
			for _, e := range st.window {
				if e.success {
					snap.WindowSuccesses++
				} else {
					snap.WindowErrors++
				}
			}
			snap.Status = deriveStatus(st)
		}
		switch snap.Status {
		case StatusOK:
			allErr, allUnknown = false, false
		case StatusError:
			allOK, allUnknown = false, false
		default:
			allOK, allErr = false, false
		}
		profiles[name] = snap
	}

	overall := StatusUnknown
	switch {
	case allOK && len(profiles) > 0:
		overall = StatusHealthy
	case allErr && len(profiles) > 0:
		overall = StatusUnhealthy
	case !allUnknown:
		overall = StatusDegraded
	}
	return HealthResponse{Overall: overall, Profiles: profiles}
}

func deriveStatus(st *profileState) Status {
	newest := st.lastSuccess
	success := true
	if st.lastError.After(newest) {
		newest = st.lastError
		success = false
	}
	if newest.IsZero() || time.Since(newest) > staleThreshold {
		return StatusUnknown
	}
	if success {
		return StatusOK
	}
	return StatusError
}

func (s *profileState) newerThan(other *profileState) bool {
	if other == nil {
		return true
	}
	newest := s.lastSuccess
	if s.lastError.After(newest) {
		newest = s.lastError
	}
	otherNewest := other.lastSuccess
	if other.lastError.After(otherNewest) {
		otherNewest = other.lastError
	}
	return newest.After(otherNewest)
}

type mirrorPayload struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	LastSuccess   time.Time `json:"last_success"`
	LastError     time.Time `json:"last_error"`
	LastErrorMsg  string    `json:"last_error_message"`
	LastLatencyMs int64     `json:"last_latency_ms"`
	Window        []event   `json:"-"`
}

// mirror writes the profile's state to Redis, if configured, with the
// monitor's configured TTL. Failures are swallowed — the mirror is advisory.
func (m *Monitor) mirror(profile string, st profileState) {
	if m.redis == nil {
		return
	}
	payload := mirrorPayload{
		Provider:      st.provider,
		Model:         st.model,
		LastSuccess:   st.lastSuccess,
		LastError:     st.lastError,
		LastErrorMsg:  st.lastErrorMsg,
		LastLatencyMs: st.lastLatencyMs,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.redis.Set(ctx, mirrorKey(profile), data, m.mirrorTTL)
}

func mirrorKey(profile string) string { return "subflow:llm_health:" + profile }

func (m *Monitor) loadRemote() map[string]*profileState {
	out := map[string]*profileState{}
	if m.redis == nil {
		return out
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, profile := range []string{"fast", "power"} {
		data, err := m.redis.Get(ctx, mirrorKey(profile)).Bytes()
		if err != nil {
			continue
		}
		var payload mirrorPayload
		if json.Unmarshal(data, &payload) != nil {
			continue
		}
		out[profile] = &profileState{
			provider:      payload.Provider,
			model:         payload.Model,
			lastSuccess:   payload.LastSuccess,
			lastError:     payload.LastError,
			lastErrorMsg:  payload.LastErrorMsg,
			lastLatencyMs: payload.LastLatencyMs,
		}
	}
	return out
}
