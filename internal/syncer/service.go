// Package syncer reconciles the local page store with the remote authority:
// it serializes dirty records onto the wire, interprets success and conflict
// responses, and merges server-originated records back into the store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pagenest/pagesync/internal/pages"
	"github.com/pagenest/pagesync/internal/report"
	"github.com/pagenest/pagesync/internal/syncqueue"
)

const defaultPushBatchSize = 50

// Outcome is the terminal result of pushing one operation.
type Outcome int

const (
	// OutcomeSynced means the server accepted the record as transmitted.
	OutcomeSynced Outcome = iota
	// OutcomeConflictResolved means the server's version won and was applied
	// locally. Terminal success: retrying would only replay the losing write.
	OutcomeConflictResolved
	// OutcomeSkipped means the operation had nothing left to transmit, such
	// as a queued entry whose page vanished or a never-pushed deletion.
	OutcomeSkipped
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("page store is required")
	errMissingQueue    = errors.New("sync queue is required")
	errMissingClient   = errors.New("sync client is required")
)

// ServiceConfig configures the sync service.
type ServiceConfig struct {
	Database  *gorm.DB
	Store     *pages.Store
	Queue     *syncqueue.Queue
	Client    *Client
	Reporter  report.Reporter
	Logger    *zap.Logger
	Clock     func() time.Time
	BatchSize int
}

// Service is the wire-protocol and conflict-resolution engine.
type Service struct {
	db        *gorm.DB
	store     *pages.Store
	queue     *syncqueue.Queue
	client    *Client
	reporter  report.Reporter
	logger    *zap.Logger
	clock     func() time.Time
	batchSize int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingQueue)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingClient)
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = report.NewNopReporter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultPushBatchSize
	}
	return &Service{
		db:        cfg.Database,
		store:     cfg.Store,
		queue:     cfg.Queue,
		client:    cfg.Client,
		reporter:  reporter,
		logger:    logger,
		clock:     clock,
		batchSize: batchSize,
	}, nil
}

// PushOperation transmits the current state of the page an operation targets.
// The live record is pushed rather than the queued payload: coalescing may
// have merged several edits and only the latest local state matters.
//
// Queue bookkeeping is handled here: unambiguous success (including a
// resolved conflict) removes the operation, a retryable failure schedules a
// backed-off retry, a terminal failure parks it. Auth failures leave the
// queue untouched so nothing is lost while sync is paused.
func (s *Service) PushOperation(ctx context.Context, op syncqueue.Operation) (Outcome, error) {
	page, err := s.store.FindByLocalID(ctx, op.LocalID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if page == nil {
		s.logger.Warn("dropping operation for missing page",
			zap.String("op_id", op.OpID), zap.Uint("local_id", op.LocalID))
		if err := s.queue.RecordSuccess(ctx, op.OpID); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeSkipped, nil
	}
	if page.ServerID == nil && page.Deleted {
		// Created and deleted before any push: the server never saw it.
		if err := s.queue.RecordSuccess(ctx, op.OpID); err != nil {
			return OutcomeSkipped, err
		}
		if _, err := s.store.ClearDirty(ctx, page.LocalID); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeSkipped, nil
	}

	var request pushRequest
	isCreate := page.ServerID == nil
	if isCreate {
		request.Creates = []createEnvelope{{ClientID: page.LocalID, pageBody: bodyFromPage(page)}}
	} else {
		request.Updates = []updateEnvelope{{ServerID: *page.ServerID, pageBody: bodyFromPage(page)}}
	}

	response, err := s.client.push(ctx, request)
	if err != nil {
		s.recordPushFailure(ctx, op, err)
		return OutcomeSkipped, err
	}

	if entry, ok := findConflict(response, page); ok {
		if _, err := s.store.ApplyServerSnapshot(ctx, page.LocalID, snapshotFromServerPage(entry.ServerPage)); err != nil {
			return OutcomeSkipped, err
		}
		if page.ServerID == nil && entry.ServerPage.ID != "" {
			if _, err := s.store.MarkSynced(ctx, page.LocalID, entry.ServerPage.ID); err != nil {
				return OutcomeSkipped, err
			}
		}
		if err := s.queue.RecordSuccess(ctx, op.OpID); err != nil {
			return OutcomeSkipped, err
		}
		s.logger.Info("conflict resolved by server authority",
			zap.Uint("local_id", page.LocalID), zap.String("op_id", op.OpID))
		return OutcomeConflictResolved, nil
	}

	serverID, ok := findAck(response, page)
	if !ok {
		err := fmt.Errorf("syncer: push response missing acknowledgement for local id %d", page.LocalID)
		s.recordPushFailure(ctx, op, err)
		return OutcomeSkipped, err
	}
	_, settled, err := s.store.MarkSyncedIfUnchanged(ctx, page.LocalID, serverID, page.UpdatedAt)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !settled {
		// An edit landed while the push was in flight and coalesced into the
		// queued operation; leaving it queued carries the newer state on the
		// next batch.
		s.logger.Info("acknowledgement superseded by concurrent edit",
			zap.Uint("local_id", page.LocalID), zap.String("op_id", op.OpID))
		return OutcomeSkipped, nil
	}
	if err := s.queue.RecordSuccess(ctx, op.OpID); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeSynced, nil
}

func findConflict(response *pushResponse, page *pages.Page) (conflictEntry, bool) {
	for _, entry := range response.Conflicts {
		if entry.ClientID != nil && *entry.ClientID == page.LocalID {
			return entry, true
		}
		if entry.ServerID != nil && page.ServerID != nil && *entry.ServerID == *page.ServerID {
			return entry, true
		}
	}
	return conflictEntry{}, false
}

func findAck(response *pushResponse, page *pages.Page) (string, bool) {
	if page.ServerID == nil {
		for _, ack := range response.Created {
			if ack.ClientID == page.LocalID {
				return ack.ServerID, true
			}
		}
		return "", false
	}
	for _, ack := range response.Updated {
		if ack.ServerID == *page.ServerID {
			return *page.ServerID, true
		}
	}
	return "", false
}

func (s *Service) recordPushFailure(ctx context.Context, op syncqueue.Operation, cause error) {
	switch Classify(cause) {
	case FailureAuth:
		// Leave the operation queued untouched; sync pauses until the user
		// re-authenticates.
	case FailureTerminal:
		if _, err := s.queue.RecordTerminal(ctx, op.OpID, cause.Error()); err != nil {
			s.logger.Error("failed to park operation", zap.String("op_id", op.OpID), zap.Error(err))
		}
	default:
		if _, err := s.queue.RecordFailure(ctx, op.OpID, cause.Error()); err != nil {
			s.logger.Error("failed to record retry", zap.String("op_id", op.OpID), zap.Error(err))
		}
	}
}

// PullResult aggregates one pull round.
type PullResult struct {
	Applied   int
	Skipped   int
	Watermark string
}

// PullSince requests every server-side page changed since the given
// watermark (empty for a full pull) and merges the batch into the store. A
// single malformed record is reported and skipped; it never aborts the rest
// of the batch.
func (s *Service) PullSince(ctx context.Context, since string) (PullResult, error) {
	response, err := s.client.pull(ctx, since)
	if err != nil {
		return PullResult{}, err
	}

	result := PullResult{Watermark: response.ServerTimestamp}
	for _, record := range response.Pages {
		applied, err := s.applyPulledRecord(ctx, record)
		if err != nil {
			s.reporter.Report(err, map[string]string{
				"operation": "syncer.pull_apply",
				"server_id": record.ID,
			})
			continue
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

func (s *Service) applyPulledRecord(ctx context.Context, record serverPage) (bool, error) {
	if strings.TrimSpace(record.ID) == "" {
		return false, errors.New("syncer: pulled record missing server id")
	}

	local, err := s.store.FindByServerID(ctx, record.ID)
	if err != nil {
		return false, err
	}
	if local != nil {
		_, applied, err := s.store.ApplyServerSnapshotIfClean(ctx, local.LocalID, snapshotFromServerPage(record))
		return applied, err
	}
	if record.Deleted {
		// Tombstone for a record this device never held.
		return false, nil
	}
	if _, err := s.store.CreateFromServer(ctx, record.ID, snapshotFromServerPage(record)); err != nil {
		return false, err
	}
	return true, nil
}

// FullSyncResult aggregates one full push-then-pull round. Partial success is
// representable: counts advance even when Errors is non-empty.
type FullSyncResult struct {
	Pushed       int
	Resolved     int
	PullApplied  int
	PullSkipped  int
	Errors       []string
	Watermark    string
	AuthRequired bool
}

// Success reports whether the round completed with zero errors.
func (r FullSyncResult) Success() bool {
	return len(r.Errors) == 0
}

// FullSync drains the queue through the push path, then performs one
// incremental pull from the persisted watermark. Per-operation failures are
// accumulated without stopping the batch; only an auth failure halts the
// round, since every subsequent request would fail identically.
func (s *Service) FullSync(ctx context.Context) FullSyncResult {
	var result FullSyncResult

push:
	for {
		ops, err := s.queue.DequeueBatch(ctx, s.batchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("dequeue: %v", err))
			break
		}
		if len(ops) == 0 {
			break
		}

		progressed := false
		for _, op := range ops {
			outcome, err := s.PushOperation(ctx, op)
			if err != nil {
				switch Classify(err) {
				case FailureAuth:
					result.AuthRequired = true
					result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", op.OpID, err))
					break push
				case FailureTerminal:
					result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", op.OpID, err))
				}
				continue
			}
			progressed = true
			switch outcome {
			case OutcomeSynced:
				result.Pushed++
			case OutcomeConflictResolved:
				result.Resolved++
			}
		}
		if !progressed {
			break
		}
	}

	if result.AuthRequired {
		return result
	}

	checkpoint, err := loadCheckpoint(ctx, s.db)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load checkpoint: %v", err))
		return result
	}

	pull, err := s.PullSince(ctx, checkpoint.Watermark)
	if err != nil {
		if Classify(err) == FailureAuth {
			result.AuthRequired = true
		}
		result.Errors = append(result.Errors, fmt.Sprintf("pull: %v", err))
		return result
	}

	result.PullApplied = pull.Applied
	result.PullSkipped = pull.Skipped
	result.Watermark = pull.Watermark

	if pull.Watermark != "" {
		checkpoint.Watermark = pull.Watermark
	}
	checkpoint.LastSyncedAt = s.clock().UTC().Format(pages.TimeLayout)
	if err := saveCheckpoint(ctx, s.db, checkpoint); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("save checkpoint: %v", err))
	}
	return result
}

// CheckpointState returns the persisted watermark and last-sync timestamp for
// status reporting.
func (s *Service) CheckpointState(ctx context.Context) (Checkpoint, error) {
	return loadCheckpoint(ctx, s.db)
}
