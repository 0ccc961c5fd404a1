// Package advisorlink is the shared client core for the advisor's UI
// surfaces. It owns device and session identity, the connection state
// machine over the service tier hierarchy, and reconciliation of the
// local conversation log against the server.
//
// A surface embeds the core through a Client:
//
//	client, _ := advisorlink.Open("")
//	client.Start()
//	defer client.Close()
//
//	updates, cancel := client.Subscribe()
//	defer cancel()
package advisorlink

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"advisorlink/internal/config"
	"advisorlink/internal/handshake"
	"advisorlink/internal/hierarchy"
	"advisorlink/internal/identity"
	"advisorlink/internal/logging"
	"advisorlink/internal/probe"
	"advisorlink/internal/reconcile"
	"advisorlink/internal/store"
	"advisorlink/internal/surface"
	"advisorlink/internal/tier"
)

// Re-exported types so embedders never import internal packages.
type (
	// Update is one connection state change notification.
	Update = hierarchy.Update

	// Message is one conversation log entry.
	Message = store.Message

	// DeviceIdentity is the durable per-installation identifier.
	DeviceIdentity = identity.DeviceIdentity

	// SessionIdentity is the per-conversation identifier.
	SessionIdentity = identity.SessionIdentity

	// Adapter is a UI surface adapter.
	Adapter = surface.Adapter

	// Mode is the connection mode.
	Mode = tier.Mode
)

// Connection modes, weakest first.
const (
	ModeCloudOnly = tier.ModeCloudOnly
	ModeLocal     = tier.ModeLocal
	ModeQuadCore  = tier.ModeQuadCore
)

// Message roles and origins.
const (
	RoleUser      = store.RoleUser
	RoleAssistant = store.RoleAssistant
)

// Client is one process's handle on the client core. All surfaces in a
// process share a single Client.
type Client struct {
	mu       sync.Mutex // guards cfg across hot reloads
	cfg      *config.Config
	loader   *config.Loader
	log      *logging.Logger
	db       *store.Store
	ids      *identity.Store
	machine  *hierarchy.StateMachine
	rec      *reconcile.Reconciler
	surfaces *surface.Registry
}

// Open loads configuration from path (empty for the platform default)
// and wires the client core. The store is opened immediately; the
// periodic loops start on Start. The config file is watched for changes
// and the loop intervals retuned on a successful reload.
func Open(configPath string) (*Client, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	c, err := openWith(cfg)
	if err != nil {
		loader.Close()
		return nil, err
	}
	c.loader = loader

	loader.OnChange(c.applyConfig)
	if err := loader.Watch(); err != nil {
		c.log.Warn("config watch unavailable", "err", err)
	}
	return c, nil
}

// applyConfig retunes the running loops after a config hot reload.
func (c *Client) applyConfig(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	c.machine.Retune(cfg.ProbeInterval())
	c.rec.Retune(cfg.ReconcileInterval())
	c.log.Info("configuration reloaded",
		"probe_interval", cfg.ProbeInterval(),
		"reconcile_interval", cfg.ReconcileInterval())
}

func openWith(cfg *config.Config) (*Client, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		format = logging.FormatText
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "advisorlink",
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	db, err := store.OpenWithBusyTimeout(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	ids := identity.New(db)
	client := probe.NewTierClient()

	machine := hierarchy.New(hierarchy.Config{
		Tiers:      cfg.TierList(),
		Prober:     probe.New(client, cfg.ProbeTimeout()),
		Negotiator: handshake.New(client, cfg.HandshakeTimeout(), cfg.SessionTTL()),
		Identity:   ids,
		Requested:  tier.NewCapabilitySet(cfg.Handshake.RequestedCapabilities...),
		Interval:   cfg.ProbeInterval(),
		Logger:     log,
	})

	rec := reconcile.New(reconcile.Config{
		Client:   client,
		State:    machine,
		Sessions: ids,
		Store:    db,
		Timeout:  time.Duration(cfg.Reconcile.TimeoutMs) * time.Millisecond,
		Interval: cfg.ReconcileInterval(),
		Logger:   log,
	})

	return &Client{
		cfg:      cfg,
		log:      log,
		db:       db,
		ids:      ids,
		machine:  machine,
		rec:      rec,
		surfaces: surface.NewRegistry(),
	}, nil
}

// Start launches the probe and reconcile loops.
func (c *Client) Start() {
	c.machine.Start()
	c.rec.Start()
}

// Stop halts the loops without closing the store.
func (c *Client) Stop() {
	c.rec.Stop()
	c.machine.Stop()
}

// Close stops the loops and releases the config watcher, the store and
// the log file.
func (c *Client) Close() error {
	c.Stop()
	if c.loader != nil {
		c.loader.Close()
	}
	err := c.db.Close()
	c.log.Close()
	return err
}

// Surfaces is the registry a surface adapter registers with.
func (c *Client) Surfaces() *surface.Registry {
	return c.surfaces
}

// Current returns the latest connection state.
func (c *Client) Current() Update {
	return c.machine.Current()
}

// Subscribe registers for connection state change notifications.
func (c *Client) Subscribe() (<-chan Update, func()) {
	return c.machine.Subscribe()
}

// DeviceID returns the durable device identifier.
func (c *Client) DeviceID() (DeviceIdentity, error) {
	return c.ids.GetOrCreateDeviceID()
}

// Session resolves the shared session id, honoring any handoff token a
// registered surface carries.
func (c *Client) Session() (SessionIdentity, error) {
	return c.surfaces.ResolveSession(c.ids)
}

// ResetSession clears the persisted session id.
func (c *Client) ResetSession() error {
	return c.ids.ClearSession()
}

// Messages returns the persisted conversation log for the current
// session in display order.
func (c *Client) Messages() ([]Message, error) {
	sess, err := c.Session()
	if err != nil {
		return nil, err
	}
	return c.db.ListMessages(sess.SessionID)
}

// AppendLocal records a message composed on this device. The message
// stays in the log across reconcile cycles until the server reports its
// own copy of it.
func (c *Client) AppendLocal(role, content string) (Message, error) {
	sess, err := c.Session()
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		TimestampNs: time.Now().UnixNano(),
		Origin:      store.OriginLocal,
	}
	if err := c.db.AppendMessage(sess.SessionID, m); err != nil {
		return Message{}, err
	}
	return m, nil
}
