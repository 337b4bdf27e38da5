// Package queue provides the persistent, consolidating sync operation queue.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/uuid"
)

// Executor carries out a single consolidated operation against the remote
// store. The orchestrator supplies it at drain time.
type Executor interface {
	Execute(ctx context.Context, op *models.SyncOperation) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op *models.SyncOperation) error

func (f ExecutorFunc) Execute(ctx context.Context, op *models.SyncOperation) error {
	return f(ctx, op)
}

// Config holds queue configuration.
type Config struct {
	SnapshotPath string // durable snapshot location
	MaxSize      int    // enqueue rejects beyond this many operations
	MaxRetries   int    // retry ceiling before an operation is terminal
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig(snapshotPath string) *Config {
	return &Config{
		SnapshotPath: snapshotPath,
		MaxSize:      1000,
		MaxRetries:   5,
	}
}

// Queue is the persistent operation queue. It exclusively owns the list of
// pending operations and their persisted snapshot. All mutation happens
// under one lock; consolidation never suspends.
type Queue struct {
	cfg   *Config
	store *snapshotStore

	mu       chan struct{} // capacity-1 semaphore, held across drains
	ops      []*models.SyncOperation
	draining bool
	salvaged []models.UUID

	// OnQueued is invoked after an operation is enqueued and persisted.
	OnQueued func(op *models.SyncOperation)
	// OnRetried is invoked when a failed operation stays queued for retry.
	OnRetried func(op *models.SyncOperation, err error)
	// OnTerminal is invoked when an operation is removed permanently after
	// exhausting its retries or failing a non-retryable way.
	OnTerminal func(op *models.SyncOperation, err error)
}

// New creates a queue and restores its persisted snapshot, walking the
// fallback chain if the snapshot is corrupt.
func New(cfg *Config) (*Queue, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue config is required")
	}
	q := &Queue{
		cfg:   cfg,
		store: newSnapshotStore(cfg.SnapshotPath),
		mu:    make(chan struct{}, 1),
	}

	ops, salvaged, err := q.store.Load()
	if err != nil {
		return nil, err
	}
	q.ops = ops
	q.salvaged = salvaged
	return q, nil
}

func (q *Queue) lock()   { q.mu <- struct{}{} }
func (q *Queue) unlock() { <-q.mu }

// SalvagedSyncIDs returns record IDs recovered from the emergency snapshot,
// whose queued operations were lost. The orchestrator re-marks these
// pending so local state is re-enqueued on the next cycle.
func (q *Queue) SalvagedSyncIDs() []models.UUID {
	q.lock()
	defer q.unlock()
	out := make([]models.UUID, len(q.salvaged))
	copy(out, q.salvaged)
	return out
}

// Enqueue validates, consolidates and persists a new operation.
func (q *Queue) Enqueue(syncID models.UUID, priority int, data models.OperationData) (*models.SyncOperation, error) {
	if err := data.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid operation payload", err).
			WithSyncID(syncID.String())
	}

	q.lock()
	defer q.unlock()

	if len(q.ops) >= q.cfg.MaxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("queue is full (max size: %d)", q.cfg.MaxSize)).
			WithSyncID(syncID.String())
	}

	op := &models.SyncOperation{
		ID:       uuid.New(),
		SyncID:   syncID,
		Type:     data.Kind,
		QueuedAt: time.Now().UnixNano(),
		Priority: priority,
		Data:     data,
	}

	q.ops = append(q.ops, op)
	q.consolidateLocked()

	if err := q.store.Save(q.ops); err != nil {
		return nil, err
	}

	logging.Info("Operation queued",
		map[string]interface{}{
			"op_id":   op.ID,
			"sync_id": syncID,
			"type":    op.Type,
		})

	// The enqueued operation may itself have been folded away; report the
	// surviving representative for this record.
	rep := q.representativeLocked(syncID)
	if q.OnQueued != nil && rep != nil {
		q.OnQueued(rep)
	}
	return rep, nil
}

// representativeLocked returns the sole queued operation for syncID.
func (q *Queue) representativeLocked(syncID models.UUID) *models.SyncOperation {
	for _, op := range q.ops {
		if op.SyncID == syncID {
			return op
		}
	}
	return nil
}

// consolidateLocked merges all queued operations per record into one
// equivalent operation. A delete discards everything else for its record.
// Remaining upload/update operations fold left-to-right in queue order:
// the result is an upload if any folded operation was one (an unsent
// creation takes precedence over later edits), otherwise the latest
// update; the payload is the most recently queued; priority is the max;
// the retry count resets. This runs atomically, no suspension points.
func (q *Queue) consolidateLocked() {
	byRecord := make(map[models.UUID][]*models.SyncOperation)
	order := make([]models.UUID, 0, len(q.ops))
	for _, op := range q.ops {
		if _, seen := byRecord[op.SyncID]; !seen {
			order = append(order, op.SyncID)
		}
		byRecord[op.SyncID] = append(byRecord[op.SyncID], op)
	}

	consolidated := make([]*models.SyncOperation, 0, len(order))
	for _, syncID := range order {
		group := byRecord[syncID]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].QueuedAt < group[j].QueuedAt
		})
		consolidated = append(consolidated, foldGroup(group))
	}

	q.ops = consolidated
}

// foldGroup reduces one record's operations to a single representative.
func foldGroup(group []*models.SyncOperation) *models.SyncOperation {
	if len(group) == 1 {
		return group[0]
	}

	for _, op := range group {
		if op.Type == models.OperationDelete {
			// Delete wins outright and keeps its own identity.
			return op
		}
	}

	first := group[0]
	newest := group[len(group)-1]

	// The representative takes the newest operation's identity. The oldest
	// op may be executing in a drain right now; its completion must not
	// remove a merged payload it never carried.
	merged := &models.SyncOperation{
		ID:       newest.ID,
		SyncID:   first.SyncID,
		QueuedAt: first.QueuedAt,
		Priority: first.Priority,
	}

	hasUpload := false
	var attachmentPath string
	for _, op := range group {
		if op.Priority > merged.Priority {
			merged.Priority = op.Priority
		}
		if op.Type == models.OperationUpload {
			hasUpload = true
			if op.Data.Upload != nil && op.Data.Upload.AttachmentPath != "" {
				attachmentPath = op.Data.Upload.AttachmentPath
			}
		}
	}

	payload := newest.Data.RecordPayload()
	if hasUpload {
		merged.Type = models.OperationUpload
		merged.Data = models.OperationData{
			Kind: models.OperationUpload,
			Upload: &models.UploadData{
				Record:         *payload,
				AttachmentPath: attachmentPath,
			},
		}
	} else {
		merged.Type = models.OperationUpdate
		merged.Data = models.OperationData{
			Kind: models.OperationUpdate,
			Update: &models.UpdateData{
				Record:      *payload,
				BaseVersion: newest.Data.Update.BaseVersion,
			},
		}
	}

	return merged
}

// sortLocked orders operations by descending priority, then FIFO within a
// priority tier.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		if q.ops[i].Priority != q.ops[j].Priority {
			return q.ops[i].Priority > q.ops[j].Priority
		}
		return q.ops[i].QueuedAt < q.ops[j].QueuedAt
	})
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Processed int
	Failed    int
	// Succeeded lists the sync IDs whose upload/update completed in this
	// pass; the orchestrator excludes them from the following remote pull.
	Succeeded []models.UUID
	// Deleted lists the sync IDs whose remote delete completed.
	Deleted []models.UUID
}

// Drain consolidates the queue and executes each operation. A drain
// request arriving while one is in flight is a no-op. One failing record
// never blocks the others in the same pass; at-least-once delivery holds
// because only confirmed-successful operations are removed, even if the
// executor fails part way.
func (q *Queue) Drain(ctx context.Context, exec Executor) (*DrainResult, error) {
	q.lock()
	if q.draining {
		q.unlock()
		return &DrainResult{}, nil
	}
	q.draining = true
	q.consolidateLocked()
	q.sortLocked()
	batch := make([]*models.SyncOperation, len(q.ops))
	copy(batch, q.ops)
	q.unlock()

	defer func() {
		q.lock()
		q.draining = false
		q.unlock()
	}()

	result := &DrainResult{}
	for _, op := range batch {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		err := q.executeOne(ctx, exec, op)
		if err == nil {
			q.completeOp(op)
			result.Processed++
			switch op.Type {
			case models.OperationDelete:
				result.Deleted = append(result.Deleted, op.SyncID)
			default:
				result.Succeeded = append(result.Succeeded, op.SyncID)
			}
			continue
		}

		result.Failed++

		if apperrors.Is(err, apperrors.ErrCircuitOpen) {
			// The breaker rejected the call before it reached the remote.
			// Nothing was attempted, so the operation stays queued untouched
			// until the breaker admits traffic again.
			logging.Warn("Operation deferred, circuit breaker open",
				map[string]interface{}{"op_id": op.ID, "sync_id": op.SyncID})
			continue
		}

		if !apperrors.Retryable(err) {
			// Conflicts, validation and integrity failures are never
			// re-queued; the caller routes them.
			q.discardOp(op, err)
			continue
		}

		q.retryOp(op, err)
	}

	return result, nil
}

// executeOne shields the drain from executor panics: a panic surfaces as a
// failure for that operation only, and the queue keeps it for retry.
func (q *Queue) executeOne(ctx context.Context, exec Executor, op *models.SyncOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrNetwork,
				fmt.Sprintf("executor panic: %v", r)).WithSyncID(op.SyncID.String())
		}
	}()
	return exec.Execute(ctx, op)
}

// completeOp removes a confirmed-successful operation and persists.
func (q *Queue) completeOp(op *models.SyncOperation) {
	q.lock()
	defer q.unlock()
	q.removeLocked(op.ID)
	q.persistLocked()
}

// discardOp removes an operation that failed terminally.
func (q *Queue) discardOp(op *models.SyncOperation, err error) {
	q.lock()
	q.removeLocked(op.ID)
	q.persistLocked()
	q.unlock()

	logging.ErrorWithCode("Operation discarded", string(apperrors.CodeOf(err)), err,
		map[string]interface{}{"op_id": op.ID, "sync_id": op.SyncID})

	if q.OnTerminal != nil {
		q.OnTerminal(op, err)
	}
}

// retryOp increments the retry count, destroying the operation once the
// ceiling is exceeded.
func (q *Queue) retryOp(op *models.SyncOperation, err error) {
	q.lock()
	live := q.findLocked(op.ID)
	if live == nil {
		q.unlock()
		return
	}
	live.RetryCount++
	exceeded := live.RetryCount >= q.cfg.MaxRetries
	if exceeded {
		q.removeLocked(live.ID)
	}
	q.persistLocked()
	retryCount := live.RetryCount
	q.unlock()

	if exceeded {
		terminal := apperrors.Wrap(apperrors.ErrMaxRetries,
			fmt.Sprintf("operation failed after %d attempts", retryCount), err).
			WithSyncID(op.SyncID.String())
		logging.ErrorWithCode("Operation failed permanently",
			string(apperrors.ErrMaxRetries), terminal,
			map[string]interface{}{"op_id": op.ID, "sync_id": op.SyncID})
		if q.OnTerminal != nil {
			q.OnTerminal(op, terminal)
		}
		return
	}

	logging.Warn("Operation failed, kept for retry",
		map[string]interface{}{
			"op_id":       op.ID,
			"sync_id":     op.SyncID,
			"retry_count": retryCount,
			"error":       err.Error(),
		})
	if q.OnRetried != nil {
		q.OnRetried(op, err)
	}
}

// CancelAll removes every queued operation for a record and returns how
// many were removed.
func (q *Queue) CancelAll(syncID models.UUID) int {
	q.lock()
	defer q.unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.SyncID == syncID {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// OperationsFor returns copies of the queued operations for a record.
func (q *Queue) OperationsFor(syncID models.UUID) []*models.SyncOperation {
	q.lock()
	defer q.unlock()

	var out []*models.SyncOperation
	for _, op := range q.ops {
		if op.SyncID == syncID {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out
}

// Operations returns copies of all queued operations in drain order.
func (q *Queue) Operations() []*models.SyncOperation {
	q.lock()
	defer q.unlock()

	q.sortLocked()
	out := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		cp := *op
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.lock()
	defer q.unlock()
	return len(q.ops)
}

// ResetRetries resets the retry count for a record's queued operations,
// used when the caller manually retries an errored record.
func (q *Queue) ResetRetries(syncID models.UUID) int {
	q.lock()
	defer q.unlock()

	count := 0
	for _, op := range q.ops {
		if op.SyncID == syncID && op.RetryCount > 0 {
			op.RetryCount = 0
			count++
		}
	}
	if count > 0 {
		q.persistLocked()
	}
	return count
}

func (q *Queue) findLocked(id string) *models.SyncOperation {
	for _, op := range q.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked() {
	if err := q.store.Save(q.ops); err != nil {
		logging.Error("Failed to persist queue snapshot", err, nil)
	}
}
