// Package handshake performs capability negotiation with service tiers,
// producing scoped sessions. Concurrent negotiations for the same tier
// are coalesced into a single network request, and a still-valid cached
// session is returned without a round-trip.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"advisorlink/internal/probe"
	"advisorlink/internal/tier"
)

// handshakePath is the negotiation endpoint on every eligible tier.
const handshakePath = "/handshake"

// maxHandshakeBody bounds the handshake response size.
const maxHandshakeBody = 64 * 1024

// Session is a capability-scoped session granted by a tier. Owned
// exclusively by the Negotiator; invalidated whenever the connection
// mode downgrades away from the issuing tier.
type Session struct {
	Tier     string
	Token    string
	Granted  tier.CapabilitySet
	IssuedAt time.Time
}

// Rejection is the typed non-fatal failure of a negotiation attempt. The
// caller treats it as "this tier is not upgrade-eligible this cycle".
type Rejection struct {
	Tier string
	// StatusCode is the HTTP status for protocol rejections, 0 for
	// transport failures.
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.StatusCode != 0 {
		return fmt.Sprintf("handshake rejected by %s: status %d", r.Tier, r.StatusCode)
	}
	return fmt.Sprintf("handshake with %s failed: %v", r.Tier, r.Cause)
}

// Unwrap exposes the underlying cause.
func (r *Rejection) Unwrap() error {
	return r.Cause
}

// Wire formats of POST {tier}/handshake.
type handshakeRequest struct {
	DeviceID              string   `json:"device_id"`
	RequestedCapabilities []string `json:"requested_capabilities"`
}

type handshakeResponse struct {
	SessionToken        string   `json:"session_token"`
	GrantedCapabilities []string `json:"granted_capabilities"`
}

// inflight is a pending negotiation shared by coalesced callers.
type inflight struct {
	done chan struct{}
	sess *Session
	err  error
}

// Negotiator negotiates capability-scoped sessions with tiers.
type Negotiator struct {
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*inflight
}

// New creates a Negotiator. A nil client gets the shared tier client;
// ttl bounds cached session validity.
func New(client *http.Client, timeout, ttl time.Duration) *Negotiator {
	if client == nil {
		client = probe.NewTierClient()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Negotiator{
		client:   client,
		timeout:  timeout,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*inflight),
	}
}

// Negotiate returns a capability-scoped session for the tier. A cached
// still-valid session is returned without a network round-trip; if a
// negotiation for the same tier is already in flight, the caller shares
// its result instead of issuing a duplicate request. On failure the
// returned error is a *Rejection.
func (n *Negotiator) Negotiate(ctx context.Context, t tier.Tier, deviceID string, requested tier.CapabilitySet) (*Session, error) {
	n.mu.Lock()

	if sess, ok := n.sessions[t.Name]; ok && time.Since(sess.IssuedAt) < n.ttl {
		n.mu.Unlock()
		return sess, nil
	}

	if call, ok := n.pending[t.Name]; ok {
		n.mu.Unlock()
		select {
		case <-call.done:
			return call.sess, call.err
		case <-ctx.Done():
			return nil, &Rejection{Tier: t.Name, Cause: ctx.Err()}
		}
	}

	call := &inflight{done: make(chan struct{})}
	n.pending[t.Name] = call
	n.mu.Unlock()

	sess, err := n.exchange(ctx, t, deviceID, requested)
	call.sess, call.err = sess, err

	n.mu.Lock()
	delete(n.pending, t.Name)
	if err == nil {
		n.sessions[t.Name] = sess
	}
	n.mu.Unlock()

	close(call.done)
	return sess, err
}

// exchange performs the actual handshake round-trip.
func (n *Negotiator) exchange(ctx context.Context, t tier.Tier, deviceID string, requested tier.CapabilitySet) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	payload, err := json.Marshal(handshakeRequest{
		DeviceID:              deviceID,
		RequestedCapabilities: requested.Names(),
	})
	if err != nil {
		return nil, &Rejection{Tier: t.Name, Cause: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint+handshakePath, bytes.NewReader(payload))
	if err != nil {
		return nil, &Rejection{Tier: t.Name, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &Rejection{Tier: t.Name, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxHandshakeBody))
		return nil, &Rejection{Tier: t.Name, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return nil, &Rejection{Tier: t.Name, Cause: fmt.Errorf("read response: %w", err)}
	}

	var hr handshakeResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, &Rejection{Tier: t.Name, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if hr.SessionToken == "" {
		return nil, &Rejection{Tier: t.Name, Cause: fmt.Errorf("empty session token")}
	}

	return &Session{
		Tier:     t.Name,
		Token:    hr.SessionToken,
		Granted:  tier.NewCapabilitySet(hr.GrantedCapabilities...),
		IssuedAt: time.Now(),
	}, nil
}

// Invalidate drops the cached session for a tier. Called when the
// connection mode downgrades away from it.
func (n *Negotiator) Invalidate(tierName string) {
	n.mu.Lock()
	delete(n.sessions, tierName)
	n.mu.Unlock()
}

// Current returns the cached session for a tier if one is still valid.
func (n *Negotiator) Current(tierName string) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess, ok := n.sessions[tierName]
	if !ok || time.Since(sess.IssuedAt) >= n.ttl {
		return nil, false
	}
	return sess, true
}
