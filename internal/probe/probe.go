// Package probe performs bounded reachability and latency checks against
// service tiers. A probe is a single HTTP GET to the tier's health path;
// the caller's periodic cycle is the retry mechanism.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"advisorlink/internal/tier"
)

// healthPath is the well-known health endpoint on every tier.
const healthPath = "/health"

// maxHealthBody bounds the health response size.
const maxHealthBody = 64 * 1024

// Report is the outcome of a single probe. Unreachability is data, not
// an error: the Err field exists for logging only.
type Report struct {
	Tier         string
	Reachable    bool
	Latency      time.Duration
	Capabilities tier.CapabilitySet
	Err          error
}

// healthResponse is the wire format of GET {tier}/health.
type healthResponse struct {
	Status       string          `json:"status"`
	Capabilities map[string]bool `json:"capabilities"`
}

// Prober performs health checks against tiers.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	tracker *ConnectivityTracker
}

// New creates a Prober. A nil client gets the shared tier client.
func New(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = NewTierClient()
	}
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Prober{
		client:  client,
		timeout: timeout,
		tracker: NewConnectivityTracker(),
	}
}

// Tracker exposes the per-tier connectivity history.
func (p *Prober) Tracker() *ConnectivityTracker {
	return p.tracker
}

// Probe performs one bounded health check against the tier. Any non-2xx
// status, timeout, or malformed body yields Reachable=false. No shared
// state is mutated beyond the prober's own call history; results are
// returned to the caller.
func (p *Prober) Probe(ctx context.Context, t tier.Tier) Report {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	report := p.doProbe(ctx, t)
	report.Latency = time.Since(start)
	report.Tier = t.Name

	if report.Reachable {
		p.tracker.TrackSuccess(t.Name, t.Endpoint, report.Latency)
	} else {
		msg := "unreachable"
		if report.Err != nil {
			msg = report.Err.Error()
		}
		p.tracker.TrackFailure(t.Name, t.Endpoint, report.Latency, msg)
	}

	return report
}

func (p *Prober) doProbe(ctx context.Context, t tier.Tier) Report {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint+healthPath, nil)
	if err != nil {
		return Report{Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Report{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthBody))
		return Report{Err: fmt.Errorf("health status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return Report{Err: fmt.Errorf("read health body: %w", err)}
	}

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return Report{Err: fmt.Errorf("decode health body: %w", err)}
	}

	caps := make(tier.CapabilitySet, len(health.Capabilities))
	for name, ok := range health.Capabilities {
		if ok {
			caps[tier.Capability(name)] = true
		}
	}

	return Report{Reachable: true, Capabilities: caps}
}
