// Package hierarchy runs the connection state machine: it probes service
// tiers in priority order on a fixed interval, negotiates handshakes for
// quad-core-eligible tiers, and derives the current connection mode.
//
// Transition policy: downgrades are immediate (one failed probe of the
// active tier falls back on the same cycle), upgrades require a fresh
// successful handshake, not merely a successful probe. Probe and
// handshake failures are steady-state events, logged and never surfaced
// as errors; cloud_only is always a valid fallback.
package hierarchy

import (
	"context"
	"sync"
	"time"

	"advisorlink/internal/handshake"
	"advisorlink/internal/identity"
	"advisorlink/internal/logging"
	"advisorlink/internal/probe"
	"advisorlink/internal/sched"
	"advisorlink/internal/tier"
)

// Update is one published state change. Seq increases monotonically; a
// subscriber must discard any update whose Seq is not strictly greater
// than the last one it applied, so a delayed delivery can never overwrite
// a newer, already-applied mode.
type Update struct {
	Seq          uint64
	Mode         tier.Mode
	Tier         string
	Endpoint     string
	Capabilities tier.CapabilitySet
	Session      *handshake.Session
	At           time.Time
}

// IdentitySource supplies the durable device identifier for handshakes.
type IdentitySource interface {
	GetOrCreateDeviceID() (identity.DeviceIdentity, error)
}

// Config assembles a StateMachine.
type Config struct {
	// Tiers is the hierarchy; order does not matter, priority does.
	Tiers []tier.Tier

	// Prober performs health checks.
	Prober *probe.Prober

	// Negotiator performs capability handshakes.
	Negotiator *handshake.Negotiator

	// Identity supplies the device id.
	Identity IdentitySource

	// Requested is the capability set asked of handshake tiers.
	Requested tier.CapabilitySet

	// Interval is the probe cycle interval.
	Interval time.Duration

	// Logger defaults to the package default when nil.
	Logger *logging.Logger
}

// StateMachine derives the connection mode from tier probes. It is the
// sole writer of the published mode; readers are concurrent.
type StateMachine struct {
	tiers      []tier.Tier // sorted, highest priority first
	prober     *probe.Prober
	negotiator *handshake.Negotiator
	ids        IdentitySource
	requested  tier.CapabilitySet
	interval   time.Duration
	log        *logging.Logger

	mu      sync.RWMutex
	seq     uint64
	current Update
	subs    map[int]chan Update
	nextSub int
	task    *sched.Task
}

// New creates a StateMachine. The initial mode is cloud_only, the safe
// default, at sequence zero.
func New(cfg Config) *StateMachine {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &StateMachine{
		tiers:      tier.SortByPriority(cfg.Tiers),
		prober:     cfg.Prober,
		negotiator: cfg.Negotiator,
		ids:        cfg.Identity,
		requested:  cfg.Requested,
		interval:   interval,
		log:        log.WithComponent("hierarchy"),
		current: Update{
			Mode: tier.ModeCloudOnly,
			At:   time.Now(),
		},
		subs: make(map[int]chan Update),
	}
}

// Start launches the periodic probe cycle. Cycles never overlap.
func (m *StateMachine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task != nil {
		return
	}
	m.task = sched.Every("probe-cycle", m.interval, m.RunCycle)
}

// Stop cancels the probe cycle and any in-flight probe or handshake.
func (m *StateMachine) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task != nil {
		task.Stop()
	}
}

// Retune applies a new probe interval. A running cycle is restarted on
// the new interval; otherwise it takes effect on the next Start.
func (m *StateMachine) Retune(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = interval
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task == nil {
		return
	}
	task.Stop()
	m.Start()
}

// Current returns the latest published state.
func (m *StateMachine) Current() Update {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers for state change notifications. The returned
// cancel function must be called to release the subscription. Slow
// subscribers miss intermediate updates rather than blocking the cycle;
// Current always has the latest state.
func (m *StateMachine) Subscribe() (<-chan Update, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Update, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// RunCycle executes one probe sweep. Exposed so tests and the status CLI
// can drive cycles directly; the periodic task calls it on every tick.
func (m *StateMachine) RunCycle(ctx context.Context) {
	selected, report, sess := m.selectTier(ctx)
	m.publish(selected, report, sess)
}

// selectTier probes tiers strictly in priority order and returns the
// first one that passes its required check. If none passes, the lowest
// tier (cloud_only by construction) is selected as the fallback of last
// resort.
func (m *StateMachine) selectTier(ctx context.Context) (tier.Tier, probe.Report, *handshake.Session) {
	if len(m.tiers) == 0 {
		return tier.Tier{Name: "cloud", Mode: tier.ModeCloudOnly}, probe.Report{}, nil
	}

	for _, t := range m.tiers {
		if ctx.Err() != nil {
			break
		}

		report := m.prober.Probe(ctx, t)
		if !report.Reachable {
			m.log.Debug("tier unreachable", "tier", t.Name, "latency_ms", report.Latency.Milliseconds())
			continue
		}

		if !t.RequiresHandshake {
			return t, report, nil
		}

		sess, err := m.negotiateTier(ctx, t)
		if err != nil {
			// Reachable but not handshake-verified: not upgrade-eligible
			// this cycle.
			m.log.Info("handshake not granted", "tier", t.Name, "err", err)
			continue
		}
		return t, report, sess
	}

	// Nothing above the fallback passed. The hosted tier is assumed
	// reachable in the limit even when its probe just failed.
	fallback := m.tiers[len(m.tiers)-1]
	return fallback, probe.Report{Tier: fallback.Name}, nil
}

func (m *StateMachine) negotiateTier(ctx context.Context, t tier.Tier) (*handshake.Session, error) {
	dev, err := m.ids.GetOrCreateDeviceID()
	if err != nil {
		return nil, err
	}
	return m.negotiator.Negotiate(ctx, t, dev.DeviceID, m.requested)
}

// publish records the selected tier and notifies subscribers if the mode
// or tier changed. A downgrade away from a handshake tier invalidates its
// cached session so a later upgrade requires a fresh handshake.
func (m *StateMachine) publish(t tier.Tier, report probe.Report, sess *handshake.Session) {
	m.mu.Lock()

	prev := m.current
	if prev.Tier == t.Name && prev.Mode == t.Mode {
		// Steady state: refresh capabilities/session in place without a
		// notification.
		m.current.Capabilities = report.Capabilities
		m.current.Session = sess
		m.current.At = time.Now()
		m.mu.Unlock()
		return
	}

	m.seq++
	update := Update{
		Seq:          m.seq,
		Mode:         t.Mode,
		Tier:         t.Name,
		Endpoint:     t.Endpoint,
		Capabilities: report.Capabilities,
		Session:      sess,
		At:           time.Now(),
	}
	m.current = update

	channels := make([]chan Update, 0, len(m.subs))
	for _, ch := range m.subs {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	if prev.Session != nil && prev.Tier != t.Name {
		m.negotiator.Invalidate(prev.Tier)
	}

	if update.Mode > prev.Mode {
		m.log.Info("connection upgraded", "mode", update.Mode.String(), "tier", t.Name, "seq", update.Seq)
	} else {
		m.log.Info("connection downgraded", "mode", update.Mode.String(), "tier", t.Name, "seq", update.Seq)
	}

	for _, ch := range channels {
		select {
		case ch <- update:
		default:
			// Subscriber is behind; it will catch up via Current.
		}
	}
}
