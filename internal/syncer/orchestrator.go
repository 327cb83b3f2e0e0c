package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagenest/pagesync/internal/pages"
	"github.com/pagenest/pagesync/internal/syncqueue"
)

// SyncState is the orchestrator's coarse lifecycle state.
type SyncState string

const (
	// StateIdle means no sync round is running.
	StateIdle SyncState = "idle"
	// StateSyncing means a round is in flight.
	StateSyncing SyncState = "syncing"
	// StateError means the last round finished with errors.
	StateError SyncState = "error"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultDebounceDelay = 2 * time.Second
)

var (
	// ErrOffline indicates that sync was requested while the network-status
	// collaborator reports no connectivity.
	ErrOffline = errors.New("syncer: offline")
	// ErrSyncInFlight indicates that a sync round is already running. The
	// second request is rejected rather than queued.
	ErrSyncInFlight = errors.New("syncer: sync already in flight")
)

// NetworkStatus is the connectivity collaborator. Its implementation is
// irrelevant here; it only has to answer the current boolean.
type NetworkStatus interface {
	Online() bool
}

// StatusSnapshot is the read-only state published for UI consumption.
type StatusSnapshot struct {
	State        SyncState `json:"state"`
	Online       bool      `json:"online"`
	PendingCount int       `json:"pending_count"`
	LastSyncedAt string    `json:"last_synced_at"`
	Watermark    string    `json:"watermark"`
	LastErrors   []string  `json:"last_errors"`
}

// Indicator reduces the snapshot to the three user-visible states: "synced",
// "pending" or "error".
func (s StatusSnapshot) Indicator() string {
	switch {
	case len(s.LastErrors) > 0:
		return "error"
	case s.State == StateSyncing || s.PendingCount > 0:
		return "pending"
	default:
		return "synced"
	}
}

// OrchestratorConfig configures the sync orchestrator.
type OrchestratorConfig struct {
	Service       *Service
	Queue         *syncqueue.Queue
	Store         *pages.Store
	Network       NetworkStatus
	Logger        *zap.Logger
	Clock         func() time.Time
	PollInterval  time.Duration
	DebounceDelay time.Duration
}

// Orchestrator is the process-wide facade over the sync engine. UI-facing
// code mutates pages through it so every local write also lands in the sync
// queue, and it owns the connectivity polling and debounced auto-sync.
type Orchestrator struct {
	service       *Service
	queue         *syncqueue.Queue
	store         *pages.Store
	network       NetworkStatus
	logger        *zap.Logger
	clock         func() time.Time
	pollInterval  time.Duration
	debounceDelay time.Duration

	mu         sync.Mutex
	online     bool
	state      SyncState
	lastErrors []string

	syncing atomic.Bool
	started atomic.Bool

	timerMu  sync.Mutex
	debounce *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewOrchestrator constructs an Orchestrator. The initial online state is
// read from the network collaborator immediately.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("syncer: sync service is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingQueue)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingStore)
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("syncer: network status collaborator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	debounceDelay := cfg.DebounceDelay
	if debounceDelay <= 0 {
		debounceDelay = defaultDebounceDelay
	}

	return &Orchestrator{
		service:       cfg.Service,
		queue:         cfg.Queue,
		store:         cfg.Store,
		network:       cfg.Network,
		logger:        logger,
		clock:         clock,
		pollInterval:  pollInterval,
		debounceDelay: debounceDelay,
		online:        cfg.Network.Online(),
		state:         StateIdle,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the connectivity poll loop. Calling it twice is harmless.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go o.pollLoop()
}

// Close stops the poll loop and any pending debounced sync.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	o.timerMu.Lock()
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.timerMu.Unlock()
	if o.started.Load() {
		<-o.done
	}
}

func (o *Orchestrator) pollLoop() {
	defer close(o.done)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.SetOnline(o.network.Online())
		}
	}
}

// SetOnline records a connectivity change. Event-driven callers (app
// foregrounding, OS callbacks) use it between polls. Coming back online
// schedules a debounced sync so connectivity flapping does not burst the
// network.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	wasOnline := o.online
	o.online = online
	o.mu.Unlock()

	if online && !wasOnline {
		o.logger.Info("connectivity regained, scheduling sync")
		o.ScheduleSync()
	}
}

// Online reports the last observed connectivity state.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// ScheduleSync arms (or re-arms) the debounced auto-sync timer. Rapid calls
// coalesce into a single round.
func (o *Orchestrator) ScheduleSync() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.debounce != nil {
		o.debounce.Reset(o.debounceDelay)
		return
	}
	o.debounce = time.AfterFunc(o.debounceDelay, func() {
		if _, err := o.TriggerSync(context.Background()); err != nil &&
			!errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInFlight) {
			o.logger.Error("scheduled sync failed", zap.Error(err))
		}
	})
}

// TriggerSync runs one full sync round. It is a rejected no-op while offline
// or while another round is in flight; a second invocation is never queued.
func (o *Orchestrator) TriggerSync(ctx context.Context) (FullSyncResult, error) {
	if !o.Online() {
		return FullSyncResult{}, ErrOffline
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return FullSyncResult{}, ErrSyncInFlight
	}
	defer o.syncing.Store(false)

	o.setState(StateSyncing, nil)
	result := o.service.FullSync(ctx)
	if result.Success() {
		o.setState(StateIdle, nil)
	} else {
		o.setState(StateError, result.Errors)
		o.logger.Warn("sync round finished with errors",
			zap.Int("error_count", len(result.Errors)),
			zap.Bool("auth_required", result.AuthRequired))
	}
	return result, nil
}

func (o *Orchestrator) setState(state SyncState, errs []string) {
	o.mu.Lock()
	o.state = state
	o.lastErrors = errs
	o.mu.Unlock()
}

// Status assembles the observable sync state for UI badges.
func (o *Orchestrator) Status(ctx context.Context) StatusSnapshot {
	o.mu.Lock()
	snapshot := StatusSnapshot{
		State:      o.state,
		Online:     o.online,
		LastErrors: append([]string(nil), o.lastErrors...),
	}
	o.mu.Unlock()

	if pending, err := o.queue.PendingCount(ctx); err == nil {
		snapshot.PendingCount = pending
	}
	if checkpoint, err := o.service.CheckpointState(ctx); err == nil {
		snapshot.LastSyncedAt = checkpoint.LastSyncedAt
		snapshot.Watermark = checkpoint.Watermark
	}
	return snapshot
}

// CreatePage inserts a page with a collision-free title and queues its
// creation for push.
func (o *Orchestrator) CreatePage(ctx context.Context, baseTitle string, fields pages.CreateFields) (*pages.Page, error) {
	page, err := o.store.CreateWithUniqueTitle(ctx, baseTitle, fields)
	if err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, syncqueue.OperationTypeCreate, page); err != nil {
		return nil, err
	}
	return page, nil
}

// UpdatePage merges fields into a page and queues the change. A changed
// title goes through the uniqueness scan; an unchanged one does not.
func (o *Orchestrator) UpdatePage(ctx context.Context, localID uint, fields pages.UpdateFields) (*pages.Page, error) {
	var page *pages.Page
	var err error
	if fields.Title != nil {
		rest := pages.UpdateFields{Content: fields.Content, ContentType: fields.ContentType}
		page, err = o.store.UpdateWithUniqueTitle(ctx, localID, *fields.Title, rest)
	} else {
		page, err = o.store.Update(ctx, localID, fields)
	}
	if err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, syncqueue.OperationTypeUpdate, page); err != nil {
		return nil, err
	}
	return page, nil
}

// DeletePage soft-deletes a page and queues the deletion. When the deletion
// cancels a not-yet-pushed create the record is settled locally instead.
func (o *Orchestrator) DeletePage(ctx context.Context, localID uint) (*pages.Page, error) {
	page, err := o.store.SoftDelete(ctx, localID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode payload snapshot: %w", err)
	}
	outcome, err := o.queue.Enqueue(ctx, syncqueue.Intent{
		Type:        syncqueue.OperationTypeDelete,
		LocalID:     page.LocalID,
		ServerID:    page.ServerID,
		PayloadJSON: string(payload),
	})
	if err != nil {
		return nil, err
	}
	if outcome.CancelledCreate {
		if page, err = o.store.ClearDirty(ctx, page.LocalID); err != nil {
			return nil, err
		}
		return page, nil
	}

	o.scheduleIfOnline()
	return page, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, opType syncqueue.OperationType, page *pages.Page) error {
	payload, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("syncer: encode payload snapshot: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, syncqueue.Intent{
		Type:        opType,
		LocalID:     page.LocalID,
		ServerID:    page.ServerID,
		PayloadJSON: string(payload),
	}); err != nil {
		return err
	}
	o.scheduleIfOnline()
	return nil
}

func (o *Orchestrator) scheduleIfOnline() {
	if o.Online() {
		o.ScheduleSync()
	}
}
