// Package syncqueue persists the ordered list of pending mutations awaiting
// transmission to the server. Operations survive restarts and are only
// removed once the sync service reports an unambiguous terminal success.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OperationType enumerates the queued mutation kinds.
type OperationType string

const (
	// OperationTypeCreate transmits a page the server has never seen.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate transmits changed fields of a known page.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete propagates a soft deletion.
	OperationTypeDelete OperationType = "delete"
)

const defaultMaxRetries = 10

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrOperationNotFound indicates that no queued operation carries the id.
	ErrOperationNotFound = errors.New("syncqueue: operation not found")
	noOpLogger           = zap.NewNop()
)

const (
	opQueueNew       = "syncqueue.new"
	opEnqueue        = "syncqueue.enqueue"
	opDequeueBatch   = "syncqueue.dequeue_batch"
	opRecordFailure  = "syncqueue.record_failure"
	opRecordTerminal = "syncqueue.record_terminal"
	opRecordSuccess  = "syncqueue.record_success"
	opPendingCount   = "syncqueue.pending_count"
)

// QueueError wraps a queue failure with a stable machine-readable code.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

// Code returns the <operation>.<reason> identifier for the failure.
func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Operation is one persisted queue entry. Seq fixes the FIFO drain order;
// OpID is the stable identifier handed to the sync service.
type Operation struct {
	Seq           uint          `gorm:"column:seq;primaryKey;autoIncrement"`
	OpID          string        `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_sync_operations_op_id"`
	OpType        OperationType `gorm:"column:op_type;size:16;not null"`
	LocalID       uint          `gorm:"column:local_id;not null;index:idx_sync_operations_local_id"`
	ServerID      *string       `gorm:"column:server_id;size:190"`
	PayloadJSON   string        `gorm:"column:payload_json;type:text;not null"`
	EnqueuedAt    time.Time     `gorm:"column:enqueued_at;not null"`
	RetryCount    int           `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt time.Time     `gorm:"column:next_attempt_at;not null"`
	Terminal      bool          `gorm:"column:terminal;not null;default:false"`
	LastError     string        `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_operations"
}

// Intent describes a mutation to enqueue.
type Intent struct {
	Type        OperationType
	LocalID     uint
	ServerID    *string
	PayloadJSON string
}

// EnqueueOutcome reports what Enqueue did. Operation is nil when a
// create-then-delete pair cancelled out: the server never saw the record, so
// there is nothing to transmit and the caller should mark the local row
// reconciled.
type EnqueueOutcome struct {
	Operation       *Operation
	CancelledCreate bool
}

// QueueConfig configures the sync queue.
type QueueConfig struct {
	Database    *gorm.DB
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
}

// Queue is the durable FIFO of pending sync operations.
type Queue struct {
	db          *gorm.DB
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newQueueError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Queue{
		db:          cfg.Database,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		maxRetries:  maxRetries,
	}, nil
}

// Enqueue appends an operation, coalescing with an earlier entry for the same
// page where that cannot lose intent:
//
//   - update after create/update refreshes the earlier entry in place;
//   - delete after update converts the entry to a delete;
//   - delete after a not-yet-pushed create cancels both (nothing to send);
//   - a delete is never weakened by later entries.
func (q *Queue) Enqueue(ctx context.Context, intent Intent) (EnqueueOutcome, error) {
	var outcome EnqueueOutcome
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Operation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("local_id = ?", intent.LocalID).
			Order("seq ASC").
			Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newQueueError(opEnqueue, "select_failed", err)
		}

		if !found {
			op, err := q.insertOperation(tx, intent)
			if err != nil {
				return err
			}
			outcome = EnqueueOutcome{Operation: op}
			return nil
		}

		switch {
		case existing.OpType == OperationTypeDelete:
			// Deletion intent is final; later writes cannot resurrect it.
			outcome = EnqueueOutcome{Operation: &existing}
			return nil
		case intent.Type == OperationTypeDelete && existing.OpType == OperationTypeCreate:
			if err := tx.Delete(&existing).Error; err != nil {
				return newQueueError(opEnqueue, "cancel_failed", err)
			}
			outcome = EnqueueOutcome{CancelledCreate: true}
			return nil
		case intent.Type == OperationTypeDelete:
			existing.OpType = OperationTypeDelete
			fallthrough
		default:
			existing.PayloadJSON = intent.PayloadJSON
			if intent.ServerID != nil {
				existing.ServerID = intent.ServerID
			}
			existing.Terminal = false
			existing.LastError = ""
			existing.RetryCount = 0
			existing.NextAttemptAt = q.clock().UTC()
			if err := tx.Save(&existing).Error; err != nil {
				return newQueueError(opEnqueue, "save_failed", err)
			}
			outcome = EnqueueOutcome{Operation: &existing}
			return nil
		}
	})
	if txErr != nil {
		q.logError(opEnqueue, "transaction_failed", txErr, zap.Uint("local_id", intent.LocalID))
		return EnqueueOutcome{}, txErr
	}
	return outcome, nil
}

func (q *Queue) insertOperation(tx *gorm.DB, intent Intent) (*Operation, error) {
	opID, err := q.idProvider.NewID()
	if err != nil {
		return nil, newQueueError(opEnqueue, "id_generation_failed", err)
	}
	now := q.clock().UTC()
	op := Operation{
		OpID:          opID,
		OpType:        intent.Type,
		LocalID:       intent.LocalID,
		ServerID:      intent.ServerID,
		PayloadJSON:   intent.PayloadJSON,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := tx.Create(&op).Error; err != nil {
		return nil, newQueueError(opEnqueue, "insert_failed", err)
	}
	return &op, nil
}

// DequeueBatch returns up to max operations eligible for transmission in
// enqueue order. Operations are not removed; removal happens only through
// RecordSuccess.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]Operation, error) {
	var ops []Operation
	err := q.db.WithContext(ctx).
		Where("terminal = ? AND next_attempt_at <= ?", false, q.clock().UTC()).
		Order("seq ASC").
		Limit(max).
		Find(&ops).Error
	if err != nil {
		q.logError(opDequeueBatch, "query_failed", err)
		return nil, newQueueError(opDequeueBatch, "query_failed", err)
	}
	return ops, nil
}

// RecordFailure notes a retryable failure: the retry count grows and the next
// attempt is pushed out by the exponential backoff schedule. Once the retry
// ceiling is reached the operation turns terminal and is surfaced as a
// persistent failure instead of being retried forever.
func (q *Queue) RecordFailure(ctx context.Context, opID string, cause string) (*Operation, error) {
	var op Operation
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := q.takeByOpID(tx, opRecordFailure, opID)
		if err != nil {
			return err
		}
		op = *loaded
		op.RetryCount++
		op.LastError = cause
		op.NextAttemptAt = q.clock().UTC().Add(backoffDelay(op.RetryCount, q.backoffBase, q.backoffCap))
		if op.RetryCount >= q.maxRetries {
			op.Terminal = true
		}
		if err := tx.Save(&op).Error; err != nil {
			return newQueueError(opRecordFailure, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &op, nil
}

// RecordTerminal parks an operation that must not be retried automatically,
// keeping it visible in the pending count until the caller intervenes.
func (q *Queue) RecordTerminal(ctx context.Context, opID string, cause string) (*Operation, error) {
	var op Operation
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := q.takeByOpID(tx, opRecordTerminal, opID)
		if err != nil {
			return err
		}
		op = *loaded
		op.Terminal = true
		op.LastError = cause
		if err := tx.Save(&op).Error; err != nil {
			return newQueueError(opRecordTerminal, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &op, nil
}

// RecordSuccess removes a confirmed operation from the queue.
func (q *Queue) RecordSuccess(ctx context.Context, opID string) error {
	result := q.db.WithContext(ctx).Where("op_id = ?", opID).Delete(&Operation{})
	if result.Error != nil {
		q.logError(opRecordSuccess, "delete_failed", result.Error, zap.String("op_id", opID))
		return newQueueError(opRecordSuccess, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newQueueError(opRecordSuccess, "not_found", fmt.Errorf("%w: %s", ErrOperationNotFound, opID))
	}
	return nil
}

// PendingCount returns the number of unresolved operations, terminal ones
// included, for UI badges.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Operation{}).Count(&count).Error; err != nil {
		q.logError(opPendingCount, "query_failed", err)
		return 0, newQueueError(opPendingCount, "query_failed", err)
	}
	return int(count), nil
}

func (q *Queue) takeByOpID(tx *gorm.DB, operation, opID string) (*Operation, error) {
	var op Operation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("op_id = ?", opID).
		Take(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newQueueError(operation, "not_found", fmt.Errorf("%w: %s", ErrOperationNotFound, opID))
	}
	if err != nil {
		return nil, newQueueError(operation, "select_failed", err)
	}
	return &op, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	q.logger.Error("sync queue error", attrs...)
}
