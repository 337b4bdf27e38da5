package sync

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/conflict"
	"github.com/kimhsiao/recordnexus/internal/sync/state"
	"github.com/kimhsiao/recordnexus/internal/uuid"
)

// CreateLocal stores a new record locally and queues its upload.
// attachmentPath may be empty; when set, the file is transferred during the
// next cycle and the stored record gains its content hash and blob key.
func (e *Engine) CreateLocal(title, body, tags, attachmentPath string) (*models.Record, error) {
	now := time.Now().Unix()
	rec := &models.Record{
		SyncID:       models.UUID(uuid.New()),
		Owner:        e.cfg.Owner,
		Title:        title,
		Body:         body,
		Tags:         tags,
		Version:      1,
		LastModified: now,
		SyncState:    state.Initial(),
		CreatedAt:    now,
	}

	if err := e.local.InsertRecord(rec); err != nil {
		return nil, err
	}

	_, err := e.queue.Enqueue(rec.SyncID, 0, models.OperationData{
		Kind: models.OperationUpload,
		Upload: &models.UploadData{
			Record:         *rec,
			AttachmentPath: attachmentPath,
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateLocal applies a local edit and queues the matching update. The
// version is not bumped here: it only advances when the remote store
// accepts the write.
func (e *Engine) UpdateLocal(syncID models.UUID, title, body, tags string) (*models.Record, error) {
	rec, err := e.local.GetRecord(syncID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.New(apperrors.ErrValidation, "cannot update a deleted record").
			WithSyncID(syncID.String())
	}

	rec.Title = title
	rec.Body = body
	rec.Tags = tags
	rec.LastModified = time.Now().Unix()
	rec.SyncState = models.SyncStatePending

	if err := e.local.UpdateRecord(rec); err != nil {
		return nil, err
	}

	_, err = e.queue.Enqueue(syncID, 0, models.OperationData{
		Kind: models.OperationUpdate,
		Update: &models.UpdateData{
			Record:      *rec,
			BaseVersion: rec.Version,
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteLocal soft-deletes a record: tombstone first, then the queued
// delete, so a pull racing with the delete cannot resurrect the record.
// The local row survives until the remote delete is acknowledged.
func (e *Engine) DeleteLocal(syncID models.UUID, reason string) error {
	rec, err := e.local.GetRecord(syncID)
	if err != nil {
		return err
	}

	rec.MarkDeleted(time.Now().Unix())
	rec.SyncState = models.SyncStatePending
	if err := e.local.UpdateRecord(rec); err != nil {
		return err
	}

	ts, err := e.tombstones.MarkDeleted(syncID, e.cfg.Owner, reason)
	if err != nil {
		return err
	}

	_, err = e.queue.Enqueue(syncID, 0, models.OperationData{
		Kind: models.OperationDelete,
		Delete: &models.DeleteData{
			DeletedBy: ts.DeletedBy,
			Reason:    ts.Reason,
		},
	})
	return err
}

// Conflicts returns the pending conflicts awaiting explicit resolution,
// ordered by detection time.
func (e *Engine) Conflicts() []*models.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.ConflictRecord, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt < out[j].DetectedAt
	})
	return out
}

// ResolveConflict applies a resolution strategy to a detected conflict.
// The resolved record keeps its sync ID; only a keep-both split receives a
// new one. Resolutions that produce local changes re-enter the queue.
func (e *Engine) ResolveConflict(ctx context.Context, syncID models.UUID, strategy conflict.Strategy) (*conflict.Resolution, error) {
	e.mu.Lock()
	c, ok := e.conflicts[syncID]
	e.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "no pending conflict for record").
			WithSyncID(syncID.String())
	}

	res, err := e.resolver.Resolve(c, strategy)
	if err != nil {
		return nil, err
	}

	resolved := res.Resolved
	resolved.CreatedAt = firstNonZero(resolved.CreatedAt, c.Local.CreatedAt)
	if err := e.local.UpdateRecord(resolved); err != nil {
		return nil, err
	}

	if resolved.SyncState == models.SyncStatePending {
		_, qerr := e.queue.Enqueue(syncID, 0, models.OperationData{
			Kind: models.OperationUpdate,
			Update: &models.UpdateData{
				Record:      *resolved,
				BaseVersion: c.RemoteVersion,
			},
		})
		if qerr != nil {
			return nil, qerr
		}
	} else if derr := e.downloadAttachment(ctx, resolved); derr != nil {
		logging.Error("Attachment download after resolution failed", derr,
			map[string]interface{}{"sync_id": syncID})
	}

	if res.Split != nil {
		if err := e.local.InsertRecord(res.Split); err != nil {
			return nil, err
		}
		_, qerr := e.queue.Enqueue(res.Split.SyncID, 0, models.OperationData{
			Kind: models.OperationUpload,
			Upload: &models.UploadData{
				Record: *res.Split,
			},
		})
		if qerr != nil {
			return nil, qerr
		}
	}

	e.mu.Lock()
	delete(e.conflicts, syncID)
	e.mu.Unlock()

	return res, nil
}

// ResetError returns an errored record to the pending state and clears the
// retry counts on its queued operations. If nothing remains queued, the
// record's current payload is re-queued as an update.
func (e *Engine) ResetError(syncID models.UUID) error {
	rec, err := e.local.GetRecord(syncID)
	if err != nil {
		return err
	}
	if rec.SyncState != models.SyncStateError {
		return apperrors.New(apperrors.ErrValidation, "record is not in error state").
			WithSyncID(syncID.String())
	}

	if err := e.local.SetSyncState(syncID, models.SyncStatePending); err != nil {
		return err
	}

	if e.queue.ResetRetries(syncID) > 0 {
		return nil
	}
	if len(e.queue.OperationsFor(syncID)) > 0 {
		return nil
	}

	if rec.Deleted {
		_, err = e.queue.Enqueue(syncID, 0, models.OperationData{
			Kind: models.OperationDelete,
			Delete: &models.DeleteData{
				DeletedBy: e.cfg.Owner,
				Reason:    "retry after terminal failure",
			},
		})
		return err
	}

	rec.SyncState = models.SyncStatePending
	_, err = e.queue.Enqueue(syncID, 0, models.OperationData{
		Kind: models.OperationUpdate,
		Update: &models.UpdateData{
			Record:      *rec,
			BaseVersion: rec.Version,
		},
	})
	return err
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
