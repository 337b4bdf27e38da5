// Package sync tests for attachment transfer.
package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/checksum"
)

// TestUploadAttachmentCycle verifies the attachment reaches the blob store
// keyed by digest and the stored record carries the hash.
func TestUploadAttachmentCycle(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(t.TempDir(), "photo.png")
	payload := append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake image data")...)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("writing attachment: %v", err)
	}

	rec, err := env.engine.CreateLocal("with attachment", "", "", path)
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("failed = %d, want 0", res.Failed)
	}

	remoteRec, err := env.remote.Get(context.Background(), rec.SyncID)
	if err != nil {
		t.Fatalf("remote Get() error = %v", err)
	}

	wantDigest := checksum.Digest(payload)
	if remoteRec.ContentHash != wantDigest {
		t.Errorf("content hash = %q, want payload digest", remoteRec.ContentHash)
	}
	if remoteRec.AttachmentSize != int64(len(payload)) {
		t.Errorf("attachment size = %d, want %d", remoteRec.AttachmentSize, len(payload))
	}
	if remoteRec.AttachmentKey == "" {
		t.Fatal("attachment key should be set")
	}

	stored, err := env.engine.blobs.Get(context.Background(), remoteRec.AttachmentKey)
	if err != nil {
		t.Fatalf("blob Get() error = %v", err)
	}
	if err := checksum.Verify(stored, wantDigest); err != nil {
		t.Errorf("stored blob failed verification: %v", err)
	}
}

// TestUploadAttachmentMissingFile verifies an unreadable attachment fails
// the operation without stalling the batch.
func TestUploadAttachmentMissingFile(t *testing.T) {
	env := newTestEnv(t)

	good, err := env.engine.CreateLocal("fine", "", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.CreateLocal("broken", "", "", "/nonexistent/file.bin"); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Uploaded != 1 || res.Failed != 1 {
		t.Errorf("result = %d uploaded / %d failed, want 1/1", res.Uploaded, res.Failed)
	}

	local, err := env.repo.GetRecord(good.SyncID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if local.SyncState != models.SyncStateSynced {
		t.Errorf("healthy record state = %v, want synced", local.SyncState)
	}
}

// TestDownloadAttachment verifies pulled attachments are verified and
// stored content-addressed.
func TestDownloadAttachment(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte("downloaded bytes")
	digest := checksum.Digest(payload)
	key := "attachments/remote/" + digest
	if _, err := env.engine.blobs.Put(context.Background(), key, payload, "application/octet-stream", nil); err != nil {
		t.Fatalf("seeding blob: %v", err)
	}

	rec := &models.Record{
		SyncID:        models.UUID("11111111-2222-4333-8444-555555555555"),
		Owner:         "alice",
		ContentHash:   digest,
		AttachmentKey: key,
	}
	if err := env.engine.downloadAttachment(context.Background(), rec); err != nil {
		t.Fatalf("downloadAttachment() error = %v", err)
	}

	local := filepath.Join(env.engine.cfg.AttachmentDir, digest)
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("reading local attachment: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("local attachment content mismatch")
	}
}

// TestDownloadAttachmentCorrupt verifies a digest mismatch is surfaced as
// an integrity error and nothing is written.
func TestDownloadAttachmentCorrupt(t *testing.T) {
	env := newTestEnv(t)

	key := "attachments/remote/corrupt"
	if _, err := env.engine.blobs.Put(context.Background(), key, []byte("tampered"), "application/octet-stream", nil); err != nil {
		t.Fatalf("seeding blob: %v", err)
	}

	wantDigest := checksum.Digest([]byte("original"))
	rec := &models.Record{
		SyncID:        models.UUID("11111111-2222-4333-8444-555555555555"),
		Owner:         "alice",
		ContentHash:   wantDigest,
		AttachmentKey: key,
	}

	err := env.engine.downloadAttachment(context.Background(), rec)
	if !apperrors.Is(err, apperrors.ErrIntegrity) {
		t.Errorf("error code = %v, want INTEGRITY_ERROR", apperrors.CodeOf(err))
	}
	if _, serr := os.Stat(filepath.Join(env.engine.cfg.AttachmentDir, wantDigest)); serr == nil {
		t.Error("corrupt download must not be written locally")
	}
}
