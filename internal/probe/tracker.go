package probe

import (
	"sync"
	"time"
)

// callRecord is a single probe outcome kept in the rolling history.
type callRecord struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// TierStats summarizes recent connectivity to one tier.
type TierStats struct {
	Tier         string
	Endpoint     string
	TotalCalls   int
	SuccessRate  float64
	LastCall     time.Time
	LastLatency  time.Duration
	RecentErrors []string
}

// ConnectivityTracker keeps a rolling per-tier history of probe outcomes
// for the status surface. History older than an hour is pruned.
type ConnectivityTracker struct {
	mu    sync.Mutex
	calls map[string][]callRecord
	urls  map[string]string
}

// NewConnectivityTracker creates an empty tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{
		calls: make(map[string][]callRecord),
		urls:  make(map[string]string),
	}
}

// TrackSuccess records a successful probe.
func (t *ConnectivityTracker) TrackSuccess(tierName, endpoint string, latency time.Duration) {
	t.track(tierName, endpoint, callRecord{
		Timestamp: time.Now().UTC(),
		Success:   true,
		Latency:   latency,
	})
}

// TrackFailure records a failed probe.
func (t *ConnectivityTracker) TrackFailure(tierName, endpoint string, latency time.Duration, errMsg string) {
	t.track(tierName, endpoint, callRecord{
		Timestamp: time.Now().UTC(),
		Latency:   latency,
		Error:     errMsg,
	})
}

func (t *ConnectivityTracker) track(tierName, endpoint string, rec callRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.urls[tierName] = endpoint
	t.calls[tierName] = pruneOld(append(t.calls[tierName], rec))
}

// pruneOld drops records older than one hour.
func pruneOld(calls []callRecord) []callRecord {
	cutoff := time.Now().Add(-1 * time.Hour)
	for i, c := range calls {
		if c.Timestamp.After(cutoff) {
			return calls[i:]
		}
	}
	return calls[:0]
}

// Stats returns the summary for one tier. The second return value
// reports whether any history exists.
func (t *ConnectivityTracker) Stats(tierName string) (TierStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.calls[tierName]
	if len(calls) == 0 {
		return TierStats{}, false
	}

	stats := TierStats{
		Tier:     tierName,
		Endpoint: t.urls[tierName],
	}

	successes := 0
	for _, c := range calls {
		stats.TotalCalls++
		if c.Success {
			successes++
		} else if len(stats.RecentErrors) < 5 {
			stats.RecentErrors = append(stats.RecentErrors, c.Error)
		}
		if c.Timestamp.After(stats.LastCall) {
			stats.LastCall = c.Timestamp
			stats.LastLatency = c.Latency
		}
	}
	stats.SuccessRate = float64(successes) / float64(stats.TotalCalls)

	return stats, true
}

// Tiers returns the names of all tiers with recorded history.
func (t *ConnectivityTracker) Tiers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.calls))
	for name, calls := range t.calls {
		if len(calls) > 0 {
			names = append(names, name)
		}
	}
	return names
}
