// Package reconcile periodically synchronizes the locally persisted
// conversation log with the server's copy for the current session. It
// only runs against a tier that granted the persistence capability;
// against any other tier the cycle is a silent no-op.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"advisorlink/internal/hierarchy"
	"advisorlink/internal/identity"
	"advisorlink/internal/logging"
	"advisorlink/internal/sched"
	"advisorlink/internal/store"
	"advisorlink/internal/tier"
)

const conversationPath = "/conversation/"

// maxConversationBody bounds the response read.
const maxConversationBody = 4 << 20

// StateSource reports the current connection state.
type StateSource interface {
	Current() hierarchy.Update
}

// SessionSource resolves the session identifier.
type SessionSource interface {
	GetOrCreateSessionID(override string) (identity.SessionIdentity, error)
}

// Config assembles a Reconciler.
type Config struct {
	Client   *http.Client
	State    StateSource
	Sessions SessionSource
	Store    *store.Store
	Timeout  time.Duration
	Interval time.Duration
	Logger   *logging.Logger
}

// Reconciler polls the active tier for the server-side conversation log
// and merges it into local storage.
type Reconciler struct {
	client   *http.Client
	state    StateSource
	sessions SessionSource
	db       *store.Store
	timeout  time.Duration
	interval time.Duration
	log      *logging.Logger

	mu   sync.Mutex // guards interval and task
	task *sched.Task
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Reconciler{
		client:   client,
		state:    cfg.State,
		sessions: cfg.Sessions,
		db:       cfg.Store,
		timeout:  timeout,
		interval: interval,
		log:      log.WithComponent("reconcile"),
	}
}

// Start launches the periodic reconcile cycle.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task != nil {
		return
	}
	r.task = sched.Every("reconcile", r.interval, func(ctx context.Context) {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconcile cycle failed", "err", err)
		}
	})
}

// Stop cancels the periodic cycle and waits for an in-flight one.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	task := r.task
	r.task = nil
	r.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Retune applies a new reconcile interval. A running cycle is restarted
// on the new interval; otherwise it takes effect on the next Start.
func (r *Reconciler) Retune(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = interval
	task := r.task
	r.task = nil
	r.mu.Unlock()
	if task == nil {
		return
	}
	task.Stop()
	r.Start()
}

// RunOnce executes a single reconcile cycle. A tier without the
// persistence capability, a server with no log for the session, and an
// empty server log are all no-ops, not errors.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	cur := r.state.Current()
	if !cur.Capabilities.Has(tier.CapabilityPersistence) {
		r.log.Debug("skipping reconcile, tier lacks persistence", "tier", cur.Tier)
		return nil
	}
	if cur.Endpoint == "" {
		return nil
	}

	sess, err := r.sessions.GetOrCreateSessionID("")
	if err != nil {
		return fmt.Errorf("resolve session id: %w", err)
	}

	server, found, err := r.fetchConversation(ctx, cur, sess.SessionID)
	if err != nil {
		return err
	}
	if !found || len(server) == 0 {
		return nil
	}

	// Merge inside one store transaction so a message appended by the
	// caller while the cycle runs can never fall between the snapshot
	// and the rewrite.
	var localCount, mergedCount int
	changed := false
	err = r.db.MergeMessages(sess.SessionID, func(local []store.Message) ([]store.Message, bool) {
		merged, ch := Merge(local, server)
		localCount, mergedCount, changed = len(local), len(merged), ch
		return merged, ch
	})
	if err != nil {
		return fmt.Errorf("persist merged log: %w", err)
	}
	if !changed {
		return nil
	}

	r.log.Info("conversation reconciled",
		"session_id", sess.SessionID,
		"tier", cur.Tier,
		"local", localCount,
		"server", len(server),
		"merged", mergedCount)
	return nil
}

type wireMessage struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	TimestampNs int64  `json:"timestamp_ns"`
}

type conversationResponse struct {
	Turns []wireMessage `json:"turns"`
}

// fetchConversation retrieves the server's log for the session. A 404
// means the server has no log yet; found is false and err is nil.
func (r *Reconciler) fetchConversation(ctx context.Context, cur hierarchy.Update, sessionID string) ([]store.Message, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint := cur.Endpoint + conversationPath + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build conversation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cur.Session != nil && cur.Session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cur.Session.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch conversation from %s: %w", cur.Tier, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("fetch conversation from %s: status %d", cur.Tier, resp.StatusCode)
	}

	var body conversationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConversationBody)).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("decode conversation from %s: %w", cur.Tier, err)
	}

	msgs := make([]store.Message, 0, len(body.Turns))
	for _, m := range body.Turns {
		if m.ID == "" {
			continue
		}
		msgs = append(msgs, store.Message{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			TimestampNs: m.TimestampNs,
			Origin:      store.OriginServer,
		})
	}
	return msgs, true, nil
}
