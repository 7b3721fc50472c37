package consensus

import (
	"sync"
	"time"
)

const (
	// responses slower than this count against the latency average even if
	// the proposal itself was valid
	defaultLatencyCeiling = 10 * time.Second
	// ewmaAlpha is the weight of the newest latency sample.
	ewmaAlpha = 0.2
)

type (
	// AuthorityPerformance is the tracked per-authority record. Score is
	// the rolling success ratio in [0,1].
	AuthorityPerformance struct {
		BlocksProposed  uint64
		BlocksMissed    uint64
		AverageResponse time.Duration
		Score           float64
	}

	authorityHealth struct {
		proposed    uint64
		missed      uint64
		ewmaSeconds float64
		lastSeen    time.Time
	}

	// HealthTracker maintains liveness scores of the authority set. It is a
	// local observation, never persisted and never written to the registry.
	// An authority whose score drops below the floor is skipped in rotation
	// until it recovers.
	HealthTracker struct {
		mutex sync.RWMutex
		// floor is the minimum success ratio to stay in rotation.
		floor float64
		// minSamples observations are required before the floor applies, a
		// fresh authority starts healthy.
		minSamples uint64
		authority  map[string]*authorityHealth
	}
)

func NewHealthTracker(floor float64, minSamples uint64) *HealthTracker {
	return &HealthTracker{
		floor:      floor,
		minSamples: minSamples,
		authority:  map[string]*authorityHealth{},
	}
}

// ReportProposed records a valid proposal delivered by the authority within
// its round window, with the observed response latency.
func (t *HealthTracker) ReportProposed(authorityID string, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	if latency > defaultLatencyCeiling {
		latency = defaultLatencyCeiling
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	h := t.record(authorityID)
	h.proposed++
	sample := latency.Seconds()
	if h.ewmaSeconds == 0 {
		h.ewmaSeconds = sample
	} else {
		h.ewmaSeconds = ewmaAlpha*sample + (1-ewmaAlpha)*h.ewmaSeconds
	}
	h.lastSeen = time.Now()
}

// ReportMissed records that the authority was the designated proposer and
// did not deliver a block within the round timeout.
func (t *HealthTracker) ReportMissed(authorityID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.record(authorityID).missed++
}

// ReportAlive records a liveness signal from the transport layer.
func (t *HealthTracker) ReportAlive(authorityID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.record(authorityID).lastSeen = time.Now()
}

// Healthy reports whether the authority should be part of the rotation.
func (t *HealthTracker) Healthy(authorityID string) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	h, found := t.authority[authorityID]
	if !found {
		return true
	}
	if h.proposed+h.missed < t.minSamples {
		return true
	}
	return h.score() >= t.floor
}

// Performance returns the tracked record of the authority.
func (t *HealthTracker) Performance(authorityID string) AuthorityPerformance {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	h, found := t.authority[authorityID]
	if !found {
		return AuthorityPerformance{Score: 1}
	}
	return AuthorityPerformance{
		BlocksProposed:  h.proposed,
		BlocksMissed:    h.missed,
		AverageResponse: time.Duration(h.ewmaSeconds * float64(time.Second)),
		Score:           h.score(),
	}
}

func (t *HealthTracker) record(authorityID string) *authorityHealth {
	h, found := t.authority[authorityID]
	if !found {
		h = &authorityHealth{}
		t.authority[authorityID] = h
	}
	return h
}

func (h *authorityHealth) score() float64 {
	total := h.proposed + h.missed
	if total == 0 {
		return 1
	}
	return float64(h.proposed) / float64(total)
}
