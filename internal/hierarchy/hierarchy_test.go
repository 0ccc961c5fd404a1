package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"advisorlink/internal/handshake"
	"advisorlink/internal/identity"
	"advisorlink/internal/probe"
	"advisorlink/internal/tier"
)

// fakeTier is a controllable tier backend.
type fakeTier struct {
	srv         *httptest.Server
	healthy     atomic.Bool
	grantShake  atomic.Bool
	handshakes  atomic.Int64
	persistence atomic.Bool
}

func newFakeTier(t *testing.T) *fakeTier {
	t.Helper()
	ft := &fakeTier{}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if !ft.healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": "ok",
				"capabilities": map[string]bool{
					"persistence": ft.persistence.Load(),
				},
			})
		case "/handshake":
			ft.handshakes.Add(1)
			if !ft.grantShake.Load() {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"session_token":        "tok-" + r.RemoteAddr,
				"granted_capabilities": []string{"persistence"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ft.srv.Close)
	return ft
}

type staticIdentity struct{}

func (staticIdentity) GetOrCreateDeviceID() (identity.DeviceIdentity, error) {
	return identity.DeviceIdentity{DeviceID: "dev-test"}, nil
}

// newTestMachine wires a three-tier hierarchy against fake backends.
func newTestMachine(t *testing.T) (*StateMachine, *fakeTier, *fakeTier, *fakeTier) {
	t.Helper()

	sidecar := newFakeTier(t)
	local := newFakeTier(t)
	cloud := newFakeTier(t)
	cloud.healthy.Store(true)

	tiers := []tier.Tier{
		{Name: "cloud", Endpoint: cloud.srv.URL, Priority: 10, Mode: tier.ModeCloudOnly},
		{Name: "sidecar", Endpoint: sidecar.srv.URL, Priority: 30, RequiresHandshake: true, Mode: tier.ModeQuadCore},
		{Name: "local", Endpoint: local.srv.URL, Priority: 20, Mode: tier.ModeLocal},
	}

	m := New(Config{
		Tiers:      tiers,
		Prober:     probe.New(nil, 500*time.Millisecond),
		Negotiator: handshake.New(nil, time.Second, 30*time.Second),
		Identity:   staticIdentity{},
		Requested:  tier.NewCapabilitySet("persistence"),
		Interval:   time.Hour, // cycles driven manually
	})
	return m, sidecar, local, cloud
}

func TestInitialModeIsCloudOnly(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	cur := m.Current()
	if cur.Mode != tier.ModeCloudOnly {
		t.Errorf("expected initial cloud_only, got %s", cur.Mode)
	}
	if cur.Seq != 0 {
		t.Errorf("expected seq 0 before first cycle, got %d", cur.Seq)
	}
}

func TestSelectsQuadCoreWhenHandshakeGranted(t *testing.T) {
	m, sidecar, local, _ := newTestMachine(t)
	sidecar.healthy.Store(true)
	sidecar.grantShake.Store(true)
	local.healthy.Store(true)

	m.RunCycle(context.Background())

	cur := m.Current()
	if cur.Mode != tier.ModeQuadCore {
		t.Fatalf("expected quad_core, got %s", cur.Mode)
	}
	if cur.Tier != "sidecar" {
		t.Errorf("expected sidecar tier, got %s", cur.Tier)
	}
	if cur.Session == nil || cur.Session.Token == "" {
		t.Error("expected a negotiated session")
	}
}

func TestConservativeUpgrade(t *testing.T) {
	// Reachable but not handshake-verified must not promote.
	m, sidecar, local, _ := newTestMachine(t)
	sidecar.healthy.Store(true)
	sidecar.grantShake.Store(false)
	local.healthy.Store(true)

	m.RunCycle(context.Background())

	cur := m.Current()
	if cur.Mode != tier.ModeLocal {
		t.Errorf("expected local (handshake rejected), got %s", cur.Mode)
	}
	if sidecar.handshakes.Load() == 0 {
		t.Error("expected a handshake attempt against the sidecar")
	}
}

func TestFastDowngrade(t *testing.T) {
	m, sidecar, local, _ := newTestMachine(t)
	sidecar.healthy.Store(true)
	sidecar.grantShake.Store(true)
	local.healthy.Store(true)

	m.RunCycle(context.Background())
	if m.Current().Mode != tier.ModeQuadCore {
		t.Fatalf("setup: expected quad_core, got %s", m.Current().Mode)
	}

	// One failed probe of the active tier downgrades on the next cycle.
	sidecar.healthy.Store(false)
	m.RunCycle(context.Background())

	cur := m.Current()
	if cur.Mode != tier.ModeLocal {
		t.Errorf("expected immediate downgrade to local, got %s", cur.Mode)
	}
}

func TestDowngradeToCloudWhenAllElseFails(t *testing.T) {
	m, sidecar, local, cloud := newTestMachine(t)
	sidecar.healthy.Store(false)
	local.healthy.Store(false)
	cloud.healthy.Store(true)
	cloud.persistence.Store(true)

	m.RunCycle(context.Background())

	cur := m.Current()
	if cur.Mode != tier.ModeCloudOnly {
		t.Fatalf("expected cloud_only, got %s", cur.Mode)
	}
	if !cur.Capabilities.Has(tier.CapabilityPersistence) {
		t.Error("expected persistence capability from cloud health report")
	}
}

func TestCloudFallbackEvenWhenCloudProbeFails(t *testing.T) {
	// The hosted tier is assumed reachable in the limit: a transient
	// failed probe still yields cloud_only, never an error state.
	m, sidecar, local, cloud := newTestMachine(t)
	sidecar.healthy.Store(false)
	local.healthy.Store(false)
	cloud.healthy.Store(false)

	m.RunCycle(context.Background())

	if got := m.Current().Mode; got != tier.ModeCloudOnly {
		t.Errorf("expected cloud_only fallback, got %s", got)
	}
}

func TestModeDeterministicForFixedInputs(t *testing.T) {
	m, sidecar, local, _ := newTestMachine(t)
	sidecar.healthy.Store(false)
	local.healthy.Store(true)

	m.RunCycle(context.Background())
	first := m.Current()

	for i := 0; i < 3; i++ {
		m.RunCycle(context.Background())
		cur := m.Current()
		if cur.Mode != first.Mode || cur.Tier != first.Tier {
			t.Fatalf("mode not deterministic: cycle %d gave %s/%s", i, cur.Mode, cur.Tier)
		}
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	m, sidecar, local, _ := newTestMachine(t)
	updates, cancel := m.Subscribe()
	defer cancel()

	local.healthy.Store(true)
	m.RunCycle(context.Background()) // cloud_only(seq0) -> local

	sidecar.healthy.Store(true)
	sidecar.grantShake.Store(true)
	m.RunCycle(context.Background()) // local -> quad_core

	sidecar.healthy.Store(false)
	local.healthy.Store(false)
	m.RunCycle(context.Background()) // quad_core -> cloud_only

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case u := <-updates:
			if u.Seq <= last {
				t.Errorf("sequence not strictly increasing: %d after %d", u.Seq, last)
			}
			last = u.Seq
		case <-time.After(time.Second):
			t.Fatalf("missing update %d", i)
		}
	}
}

func TestNoNotificationInSteadyState(t *testing.T) {
	m, _, local, _ := newTestMachine(t)
	local.healthy.Store(true)

	m.RunCycle(context.Background())
	updates, cancel := m.Subscribe()
	defer cancel()

	m.RunCycle(context.Background())
	m.RunCycle(context.Background())

	select {
	case u := <-updates:
		t.Errorf("unexpected notification in steady state: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDowngradeInvalidatesSession(t *testing.T) {
	m, sidecar, local, _ := newTestMachine(t)
	sidecar.healthy.Store(true)
	sidecar.grantShake.Store(true)
	local.healthy.Store(true)

	m.RunCycle(context.Background())
	if m.Current().Session == nil {
		t.Fatal("setup: expected a session")
	}
	shakes := sidecar.handshakes.Load()

	// Downgrade, then recover: the upgrade must renegotiate rather than
	// reuse the stale cached session.
	sidecar.healthy.Store(false)
	m.RunCycle(context.Background())

	sidecar.healthy.Store(true)
	m.RunCycle(context.Background())

	if m.Current().Mode != tier.ModeQuadCore {
		t.Fatalf("expected re-promotion to quad_core, got %s", m.Current().Mode)
	}
	if sidecar.handshakes.Load() <= shakes {
		t.Error("expected a fresh handshake after downgrade")
	}
}

func TestStartStop(t *testing.T) {
	m, _, local, _ := newTestMachine(t)
	local.healthy.Store(true)

	m.interval = 10 * time.Millisecond
	m.Start()

	deadline := time.After(2 * time.Second)
	for m.Current().Mode != tier.ModeLocal {
		select {
		case <-deadline:
			t.Fatal("periodic cycle never selected the local tier")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Stop()
	m.Stop() // idempotent
}

func TestRetune(t *testing.T) {
	m, _, local, _ := newTestMachine(t)
	local.healthy.Store(true)

	// Not running yet: the interval just changes.
	m.Retune(10 * time.Millisecond)
	m.Start()

	deadline := time.After(2 * time.Second)
	for m.Current().Mode != tier.ModeLocal {
		select {
		case <-deadline:
			t.Fatal("cycle never ran on the retuned interval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Running: the cycle restarts on the new interval and keeps probing.
	m.Retune(5 * time.Millisecond)
	local.healthy.Store(false)

	deadline = time.After(2 * time.Second)
	for m.Current().Mode != tier.ModeCloudOnly {
		select {
		case <-deadline:
			t.Fatal("cycle stopped after retune")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()
}
