package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/checksum"
)

// transferResult is the outcome of one attachment upload.
type transferResult struct {
	key    string
	digest string
	size   int64
	err    error
}

// transferSet holds pre-transferred attachment results for one drain
// batch. Access is serialized; the transfers themselves fan out.
type transferSet struct {
	mu      sync.Mutex
	results map[string]*transferResult // keyed by operation ID
}

func newTransferSet() *transferSet {
	return &transferSet{results: make(map[string]*transferResult)}
}

func (t *transferSet) put(opID string, res *transferResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[opID] = res
}

func (t *transferSet) take(opID string) (*transferResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.results[opID]
	if ok {
		delete(t.results, opID)
	}
	return res, ok
}

// preTransferAttachments uploads the batch's attachments concurrently,
// bounded by BatchConcurrency. Queue mutations recording completion stay
// on the drain path; this only moves bytes.
func (e *Engine) preTransferAttachments(ctx context.Context, ops []*models.SyncOperation) *transferSet {
	set := newTransferSet()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)

	for _, op := range ops {
		if op.Type != models.OperationUpload || op.Data.Upload == nil || op.Data.Upload.AttachmentPath == "" {
			continue
		}
		op := op
		g.Go(func() error {
			res := e.uploadAttachment(gctx, op.SyncID, op.Data.Upload.AttachmentPath)
			set.put(op.ID, res)
			// Transfer failures are recorded per operation, never
			// propagated: one failing record must not block the batch.
			return nil
		})
	}

	g.Wait()
	return set
}

// uploadAttachment moves one attachment to the blob store and verifies the
// round trip.
func (e *Engine) uploadAttachment(ctx context.Context, syncID models.UUID, path string) *transferResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return &transferResult{err: apperrors.Wrap(apperrors.ErrValidation,
			"failed to read attachment", err).WithSyncID(syncID.String())}
	}

	digest := checksum.Digest(data)
	contentType := mimetype.Detect(data).String()
	key := fmt.Sprintf("attachments/%s/%s", syncID, digest)

	var finalKey string
	err = e.retry.Do(ctx, "blob_put", func(ctx context.Context) error {
		var perr error
		finalKey, perr = e.blobs.Put(ctx, key, data, contentType, func(transferred, total int64) {
			logging.Debug("Attachment upload progress",
				map[string]interface{}{
					"sync_id":     syncID,
					"transferred": transferred,
					"total":       total,
				})
		})
		return perr
	})
	if err != nil {
		return &transferResult{err: err}
	}

	if e.cfg.VerifyAfterUpload {
		stored, gerr := e.blobs.Get(ctx, finalKey)
		if gerr != nil {
			return &transferResult{err: gerr}
		}
		if verr := checksum.Verify(stored, digest); verr != nil {
			// Corruption in flight: re-uploading the same bytes will not
			// help; the caller must regenerate the source payload.
			return &transferResult{err: apperrors.Wrap(apperrors.ErrIntegrity,
				"attachment corrupted after upload", verr).WithSyncID(syncID.String())}
		}
	}

	return &transferResult{
		key:    finalKey,
		digest: digest,
		size:   int64(len(data)),
	}
}

// downloadAttachment fetches and verifies a remote attachment, storing it
// under the local attachment directory keyed by digest.
func (e *Engine) downloadAttachment(ctx context.Context, rec *models.Record) error {
	if rec.AttachmentKey == "" || rec.ContentHash == "" {
		return nil
	}

	local := filepath.Join(e.cfg.AttachmentDir, rec.ContentHash)
	if _, err := os.Stat(local); err == nil {
		// Content-addressed: identical digest means the bytes are here.
		return nil
	}

	var data []byte
	err := e.retry.Do(ctx, "blob_get", func(ctx context.Context) error {
		var gerr error
		data, gerr = e.blobs.Get(ctx, rec.AttachmentKey)
		return gerr
	})
	if err != nil {
		return err
	}

	if verr := checksum.Verify(data, rec.ContentHash); verr != nil {
		return apperrors.Wrap(apperrors.ErrIntegrity,
			"attachment corrupted after download", verr).WithSyncID(rec.SyncID.String())
	}

	if err := os.MkdirAll(e.cfg.AttachmentDir, 0755); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := os.WriteFile(local, data, 0644); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	return nil
}
