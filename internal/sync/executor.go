package sync

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/state"
)

// executeOperation is the drain-time executor for one consolidated
// operation. It never touches the queue itself; removal, retry counting and
// discard decisions stay with the queue based on the returned error's
// classification.
func (e *Engine) executeOperation(ctx context.Context, op *models.SyncOperation) error {
	e.setState(op.SyncID, models.SyncStateSyncing)

	var err error
	switch op.Type {
	case models.OperationUpload:
		err = e.executeUpload(ctx, op)
	case models.OperationUpdate:
		err = e.executeUpdate(ctx, op)
	case models.OperationDelete:
		err = e.executeDelete(ctx, op)
	default:
		err = apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("unknown operation type %q", op.Type)).
			WithSyncID(op.SyncID.String())
	}

	if err != nil && (apperrors.Retryable(err) || apperrors.Is(err, apperrors.ErrCircuitOpen)) {
		// The operation stays queued; the record waits for the next cycle.
		e.setState(op.SyncID, models.SyncStatePending)
	}
	return err
}

func (e *Engine) executeUpload(ctx context.Context, op *models.SyncOperation) error {
	rec := op.Data.Upload.Record.Clone()

	if res, ok := e.takeTransfer(op.ID); ok {
		if res.err != nil {
			return res.err
		}
		rec.AttachmentKey = res.key
		rec.ContentHash = res.digest
		rec.AttachmentSize = res.size
	}

	var stored *models.Record
	err := e.retry.Do(ctx, "record_create", func(ctx context.Context) error {
		var cerr error
		stored, cerr = e.remote.Create(ctx, rec)
		return cerr
	})
	if apperrors.Is(err, apperrors.ErrVersionConflict) {
		// The record already exists remotely, likely a replayed upload whose
		// acknowledgement was lost.
		return e.raiseConflict(ctx, rec, err)
	}
	if err != nil {
		return err
	}
	return e.markSynced(stored)
}

func (e *Engine) executeUpdate(ctx context.Context, op *models.SyncOperation) error {
	data := op.Data.Update
	rec := data.Record.Clone()

	var stored *models.Record
	err := e.retry.Do(ctx, "record_update", func(ctx context.Context) error {
		var uerr error
		stored, uerr = e.remote.Update(ctx, rec, data.BaseVersion)
		return uerr
	})
	if apperrors.Is(err, apperrors.ErrVersionConflict) {
		return e.raiseConflict(ctx, rec, err)
	}
	if err != nil {
		return err
	}
	return e.markSynced(stored)
}

// executeDelete replays a soft delete against the remote store. A record
// already absent remotely counts as success, so replaying an acknowledged
// delete after a crash is harmless.
func (e *Engine) executeDelete(ctx context.Context, op *models.SyncOperation) error {
	var remoteRec *models.Record
	err := e.retry.Do(ctx, "record_delete", func(ctx context.Context) error {
		var gerr error
		remoteRec, gerr = e.remote.Get(ctx, op.SyncID)
		return gerr
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return e.confirmDelete(op)
	}
	if err != nil {
		return err
	}

	err = e.pushDelete(ctx, remoteRec)
	if apperrors.Is(err, apperrors.ErrVersionConflict) {
		// Another device wrote between our read and our delete. Reread once
		// and retry against the current version; the tombstone still
		// outranks whatever was written.
		if remoteRec, err = e.remote.Get(ctx, op.SyncID); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return e.confirmDelete(op)
			}
			return err
		}
		err = e.pushDelete(ctx, remoteRec)
	}
	if err != nil {
		return err
	}
	return e.confirmDelete(op)
}

func (e *Engine) pushDelete(ctx context.Context, remoteRec *models.Record) error {
	deleted := remoteRec.Clone()
	deleted.MarkDeleted(time.Now().Unix())
	return e.retry.Do(ctx, "record_delete", func(ctx context.Context) error {
		_, uerr := e.remote.Update(ctx, deleted, remoteRec.Version)
		return uerr
	})
}

// confirmDelete acknowledges the tombstone and drops the local row. The
// tombstone carries the record's memory through the retention window.
func (e *Engine) confirmDelete(op *models.SyncOperation) error {
	if e.tombstones != nil {
		if err := e.tombstones.ConfirmDeleted(op.SyncID); err != nil {
			return err
		}
	}
	if err := e.local.DeleteRecord(op.SyncID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

// raiseConflict records a version conflict for later explicit resolution
// and returns the original non-retryable error so the queue discards the
// operation.
func (e *Engine) raiseConflict(ctx context.Context, local *models.Record, cause error) error {
	remoteRec, gerr := e.remote.Get(ctx, local.SyncID)
	if gerr != nil {
		logging.Error("Failed to fetch remote side of conflict", gerr,
			map[string]interface{}{"sync_id": local.SyncID})
		return cause
	}

	if c, ok := e.resolver.Detect(local, remoteRec); ok {
		e.mu.Lock()
		e.conflicts[local.SyncID] = c
		e.mu.Unlock()

		e.setState(local.SyncID, models.SyncStateConflict)
		e.bus.Publish(EventConflictDetected, local.SyncID,
			fmt.Sprintf("local v%d vs remote v%d", c.LocalVersion, c.RemoteVersion))
	}
	return cause
}

// markSynced writes the remote's accepted copy back locally.
func (e *Engine) markSynced(stored *models.Record) error {
	synced := stored.Clone()
	synced.SyncState = models.SyncStateSynced
	return e.local.UpdateRecord(synced)
}

// setState applies a record state transition, logging table violations
// instead of failing the operation.
func (e *Engine) setState(syncID models.UUID, to models.SyncState) {
	rec, err := e.local.GetRecord(syncID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Error("Failed to load record for state change", err,
				map[string]interface{}{"sync_id": syncID})
		}
		return
	}
	if rec.SyncState == to {
		return
	}
	next, err := state.Transition(rec.SyncState, to)
	if err != nil {
		logging.Warn("Ignoring illegal sync state transition",
			map[string]interface{}{
				"sync_id": syncID,
				"from":    rec.SyncState,
				"to":      to,
			})
		return
	}
	if err := e.local.SetSyncState(syncID, next); err != nil {
		logging.Error("Failed to persist sync state", err,
			map[string]interface{}{"sync_id": syncID})
	}
}

func (e *Engine) takeTransfer(opID string) (*transferResult, bool) {
	e.mu.Lock()
	set := e.transfers
	e.mu.Unlock()
	if set == nil {
		return nil, false
	}
	return set.take(opID)
}
