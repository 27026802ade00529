package pulseboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a SyncEngine.
type Config struct {
	// Topic is the board topic the engine subscribes to.
	Topic string
	// PushURL is the base URL for the push channel. Defaults to the
	// client's API base URL.
	PushURL string
	// Token authenticates the push channel. Defaults to the client's
	// API token.
	Token string

	PollingInterval      time.Duration // default 30s
	AutoRefreshInterval  time.Duration // default 10s
	CacheTTL             time.Duration // default 60s
	MaxReconnectAttempts int           // default 5
	ReconnectInterval    time.Duration // default 2s

	Logger *zap.Logger
}

func (c *Config) defaults() {
	if c.PollingInterval == 0 {
		c.PollingInterval = 30 * time.Second
	}
	if c.AutoRefreshInterval == 0 {
		c.AutoRefreshInterval = 10 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Externally visible state
// ============================================================================

// MergedState is the externally visible state: the cached base
// snapshot with all pending optimistic patches applied, plus the
// engine's status flags.
type MergedState struct {
	Snapshot        *FlowSnapshot
	LastUpdated     time.Time
	ConnectionState RealtimeState
	Err             error
}

// CacheStats is the diagnostic view returned by SyncEngine.CacheStats.
// PendingUpdates counts un-removed optimistic entries; an entry that
// never goes away here is a caller that forgot RemoveOptimisticUpdate.
type CacheStats struct {
	Size           int
	LastUpdate     time.Time
	PendingUpdates int
}

// UpdateHandler receives the merged state after every reconciliation
// pass and every connection transition.
type UpdateHandler func(MergedState)

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine keeps a local view of server-computed flow metrics
// consistent with the remote source of truth. Updates arrive over the
// push channel while it is healthy and over polling otherwise; locally
// applied optimistic patches are replayed on top of every delivery
// until the caller resolves them.
//
// Construct one engine per subscription, Start it, and Close it when
// done; engines hold no process-wide state.
type SyncEngine struct {
	cfg    *Config
	client *Client
	log    *zap.Logger

	cache  *snapshotCache
	ledger *optimisticLedger
	rec    *reconciler
	rt     *RealtimeClient
	sched  *refreshScheduler

	mu          sync.Mutex
	merged      *FlowSnapshot
	lastUpdated time.Time
	lastErr     error
	loading     bool
	refreshing  bool
	closed      bool

	handlerMu sync.RWMutex
	onUpdate  []UpdateHandler
}

// NewSyncEngine creates an engine for one topic. Call Start to bring
// it online.
func NewSyncEngine(client *Client, config *Config) *SyncEngine {
	cfg := *config
	cfg.defaults()
	if cfg.PushURL == "" {
		cfg.PushURL = client.BaseURL()
	}
	if cfg.Token == "" {
		cfg.Token = client.Token()
	}

	e := &SyncEngine{
		cfg:     &cfg,
		client:  client,
		log:     cfg.Logger,
		cache:   newSnapshotCache(cfg.CacheTTL),
		ledger:  newOptimisticLedger(),
		loading: true,
	}
	e.rec = &reconciler{cache: e.cache, ledger: e.ledger}
	e.rt = newRealtimeClient(cfg.PushURL, &RealtimeConfig{
		Token:                cfg.Token,
		Topic:                cfg.Topic,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectInterval:    cfg.ReconnectInterval,
		Logger:               cfg.Logger,
	})
	e.sched = &refreshScheduler{
		pollInterval: cfg.PollingInterval,
		autoInterval: cfg.AutoRefreshInterval,
		refresh:      e.backgroundRefresh,
		lastDelivery: e.LastUpdated,
	}

	// Message dispatch table: each push delivery kind feeds the
	// reconciler through its own handler.
	e.rt.On(EventSnapshot, e.handleSnapshot)
	e.rt.On(EventBottleneck, e.handleEvent)
	e.rt.On(EventSuggestion, e.handleEvent)
	e.rt.OnStateChange(e.handleConnectionState)
	return e
}

// Start brings the engine online: timers first, then the push channel,
// then an initial fetch. A push-channel failure is not fatal; the
// engine settles in degraded mode and polling carries the session.
func (e *SyncEngine) Start(ctx context.Context) {
	e.sched.setPolling(true) // until the push channel proves healthy
	e.sched.start()
	if err := e.rt.Connect(ctx); err != nil {
		e.setErr(err)
	}
	go e.backgroundRefresh()
}

// Close tears down the timers and the push channel. Safe to call more
// than once.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.stop()
	return e.rt.Disconnect()
}

// ============================================================================
// Façade accessors
// ============================================================================

// Data returns the current merged snapshot. A stale cache entry is
// still returned immediately; staleness only triggers a background
// refresh, never a blocking read.
func (e *SyncEngine) Data() *FlowSnapshot {
	e.mu.Lock()
	merged := e.merged
	e.mu.Unlock()

	if !e.cache.IsFresh(e.cfg.Topic) {
		go e.backgroundRefresh()
	}
	return merged
}

// IsLoading reports whether the engine has yet to produce any merged
// state.
func (e *SyncEngine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LastUpdated returns the time of the last successful reconciliation.
func (e *SyncEngine) LastUpdated() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUpdated
}

// Err returns the most recent non-fatal error, cleared on the next
// successful delivery.
func (e *SyncEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ConnectionState returns the push-channel state.
func (e *SyncEngine) ConnectionState() RealtimeState {
	return e.rt.State()
}

// IsConnected reports whether the push channel is the active transport.
func (e *SyncEngine) IsConnected() bool {
	return e.rt.State() == StateConnected
}

// IsPolling reports whether the polling timer is the active transport.
func (e *SyncEngine) IsPolling() bool {
	return e.sched.pollingActive()
}

// Connect re-arms the push channel, for example after the reconnect
// ceiling parked it in the failed state.
func (e *SyncEngine) Connect(ctx context.Context) error {
	return e.rt.Connect(ctx)
}

// State returns the full externally visible state.
func (e *SyncEngine) State() MergedState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// ClearCache drops all cached snapshots. The next read will be served
// from the network.
func (e *SyncEngine) ClearCache() {
	e.cache.Clear()
}

// CacheStats returns cache and ledger diagnostics.
func (e *SyncEngine) CacheStats() CacheStats {
	size, last := e.cache.Stats()
	return CacheStats{
		Size:           size,
		LastUpdate:     last,
		PendingUpdates: e.ledger.Size(),
	}
}

// OnUpdate registers a merged-state callback. Handlers run serially on
// the delivery path; a panic in a handler is swallowed so a consumer
// bug cannot tear down the engine.
func (e *SyncEngine) OnUpdate(h UpdateHandler) {
	e.handlerMu.Lock()
	e.onUpdate = append(e.onUpdate, h)
	e.handlerMu.Unlock()
}

// ============================================================================
// Mutation entry points
// ============================================================================

// RefreshData fetches the topic snapshot immediately, bypassing the
// cache, and feeds it through the same reconcile path the scheduler
// and the push channel use.
func (e *SyncEngine) RefreshData(ctx context.Context) error {
	snap, err := e.client.FlowSnapshot(ctx, e.cfg.Topic)
	if err != nil {
		e.setErr(err)
		return err
	}
	e.applySnapshot(snap)
	return nil
}

// ApplyOptimisticUpdate overlays a speculative patch on the merged
// state immediately, before any network round-trip. The patch is
// replayed on top of every subsequent delivery until resolved. The
// caller owns the entry's lifecycle: call RemoveOptimisticUpdate
// exactly once on confirmation or rollback. Re-using an id replaces
// the prior patch; id uniqueness across in-flight mutations is the
// caller's responsibility.
func (e *SyncEngine) ApplyOptimisticUpdate(updateID string, patch SnapshotPatch) {
	e.ledger.Apply(updateID, patch)
	e.replayPending()
}

// RemoveOptimisticUpdate resolves a pending patch and recomputes the
// merged state from the cached base snapshot, restoring the pre-patch
// view when no superseding snapshot has arrived.
func (e *SyncEngine) RemoveOptimisticUpdate(updateID string) {
	e.ledger.Remove(updateID)
	e.replayPending()
}

// ============================================================================
// Internal: delivery handlers and merge plumbing
// ============================================================================

func (e *SyncEngine) handleSnapshot(env Envelope) {
	var snap FlowSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		// Malformed deliveries are dropped; prior state is retained.
		e.log.Warn("dropping malformed snapshot", zap.Error(err))
		e.setErr(fmt.Errorf("malformed snapshot: %w", err))
		return
	}
	if snap.Topic == "" {
		snap.Topic = env.Channel
	}
	if snap.Topic == "" {
		snap.Topic = e.cfg.Topic
	}
	e.applySnapshot(&snap)
}

func (e *SyncEngine) handleEvent(env Envelope) {
	topic := env.Channel
	if topic == "" {
		topic = e.cfg.Topic
	}

	e.mu.Lock()
	merged, err := e.rec.reconcileEvent(topic, env.Type, env.Payload)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, errNoBaseSnapshot) {
			e.log.Debug("dropping event without base snapshot",
				zap.String("kind", env.Type), zap.String("topic", topic))
			return
		}
		e.log.Warn("dropping event", zap.String("kind", env.Type), zap.Error(err))
		e.setErr(err)
		return
	}
	e.merged = merged
	e.lastUpdated = time.Now()
	e.loading = false
	state := e.stateLocked()
	e.mu.Unlock()

	e.emitUpdate(state)
}

func (e *SyncEngine) handleConnectionState(s RealtimeState) {
	e.sched.setPolling(s.PollingActive())
	if s == StateConnected {
		// Catch up on anything missed while the channel was down.
		go e.backgroundRefresh()
	}
	e.emitUpdate(e.State())
}

// applySnapshot runs an authoritative snapshot through the reconciler
// and republishes the merged state.
func (e *SyncEngine) applySnapshot(snap *FlowSnapshot) {
	e.mu.Lock()
	e.merged = e.rec.reconcileSnapshot(snap.Topic, snap)
	e.lastUpdated = time.Now()
	e.loading = false
	e.lastErr = nil
	state := e.stateLocked()
	e.mu.Unlock()

	e.emitUpdate(state)
}

// replayPending recomputes the merged state from the cached base after
// a ledger change. Without a base snapshot there is nothing to overlay
// yet; the patch waits in the ledger for the first delivery.
func (e *SyncEngine) replayPending() {
	e.mu.Lock()
	entry := e.cache.Get(e.cfg.Topic)
	if entry == nil || entry.Snapshot == nil {
		e.mu.Unlock()
		return
	}
	e.merged = overlayPending(entry.Snapshot, e.ledger.Pending())
	e.lastUpdated = time.Now()
	state := e.stateLocked()
	e.mu.Unlock()

	e.emitUpdate(state)
}

// backgroundRefresh is the shared target of the polling timer, the
// auto-refresh timer, and stale reads. At most one runs at a time;
// a manual RefreshData is not gated and both converge on the same
// idempotent merge path, so the later snapshot simply wins.
func (e *SyncEngine) backgroundRefresh() {
	e.mu.Lock()
	if e.refreshing || e.closed {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := e.RefreshData(ctx); err != nil {
		e.log.Debug("background refresh failed", zap.Error(err))
	}
}

func (e *SyncEngine) stateLocked() MergedState {
	return MergedState{
		Snapshot:        e.merged,
		LastUpdated:     e.lastUpdated,
		ConnectionState: e.rt.State(),
		Err:             e.lastErr,
	}
}

func (e *SyncEngine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *SyncEngine) emitUpdate(state MergedState) {
	e.handlerMu.RLock()
	handlers := append([]UpdateHandler(nil), e.onUpdate...)
	e.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(state)
		}()
	}
}
