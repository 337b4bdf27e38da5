// Package sync tests for the orchestrated sync cycle.
package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/recordnexus/internal/db"
	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/conflict"
	"github.com/kimhsiao/recordnexus/internal/sync/queue"
	"github.com/kimhsiao/recordnexus/internal/sync/retry"
	"github.com/kimhsiao/recordnexus/internal/sync/tombstone"
	"github.com/kimhsiao/recordnexus/internal/uuid"
)

// fakeRemote is an in-memory RecordStore with optimistic concurrency.
type fakeRemote struct {
	mu        sync.Mutex
	records   map[models.UUID]*models.Record
	listErr   error
	createErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[models.UUID]*models.Record)}
}

func (f *fakeRemote) Create(ctx context.Context, rec *models.Record) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, exists := f.records[rec.SyncID]; exists {
		return nil, apperrors.New(apperrors.ErrVersionConflict, "record already exists")
	}
	stored := rec.Clone()
	f.records[rec.SyncID] = stored
	return stored.Clone(), nil
}

func (f *fakeRemote) Get(ctx context.Context, syncID models.UUID) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[syncID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "no such record")
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) Update(ctx context.Context, rec *models.Record, expectedVersion int) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[rec.SyncID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "no such record")
	}
	if cur.Version != expectedVersion {
		return nil, apperrors.New(apperrors.ErrVersionConflict, "version moved on")
	}
	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	f.records[rec.SyncID] = stored
	return stored.Clone(), nil
}

func (f *fakeRemote) List(ctx context.Context, owner string) ([]*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Record
	for _, rec := range f.records {
		if rec.Owner == owner {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string, progress ProgressFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = append([]byte(nil), data...)
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return key, nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "no such blob")
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

type testEnv struct {
	engine *Engine
	remote *fakeRemote
	repo   *db.Repository
	queue  *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRetry(t, &retry.Config{
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Millisecond,
	})
}

func newTestEnvWithRetry(t *testing.T, retryCfg *retry.Config) *testEnv {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	repo := db.NewRepository(database)

	q, err := queue.New(queue.DefaultConfig(filepath.Join(t.TempDir(), "queue.json")))
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}

	remote := newFakeRemote()

	cfg := DefaultConfig("alice")
	cfg.AttachmentDir = t.TempDir()

	engine, err := NewEngine(cfg, Deps{
		Local:      repo,
		Remote:     remote,
		Blobs:      newFakeBlobs(),
		Queue:      q,
		Retry:      retry.NewCoordinator(retryCfg),
		Resolver:   conflict.NewResolver(repo),
		Tombstones: tombstone.NewTracker(repo),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	return &testEnv{engine: engine, remote: remote, repo: repo, queue: q}
}

// TestCycleUploadsCreatedRecord verifies a local creation reaches the
// remote and settles synced, without the pull re-applying our own write.
func TestCycleUploadsCreatedRecord(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("note", "hello", "tag", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Uploaded != 1 || res.Failed != 0 {
		t.Errorf("result = %d uploaded / %d failed, want 1/0", res.Uploaded, res.Failed)
	}
	if res.Pulled != 0 {
		t.Errorf("pulled = %d, want own upload excluded from the pull", res.Pulled)
	}

	if _, err := env.remote.Get(context.Background(), rec.SyncID); err != nil {
		t.Error("record should exist remotely after the cycle")
	}

	local, err := env.repo.GetRecord(rec.SyncID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if local.SyncState != models.SyncStateSynced {
		t.Errorf("local state = %v, want synced", local.SyncState)
	}
	if env.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", env.queue.Len())
	}
}

// TestCyclePullsRemoteRecords verifies records from other devices land
// locally as synced.
func TestCyclePullsRemoteRecords(t *testing.T) {
	env := newTestEnv(t)

	remoteRec := &models.Record{
		SyncID:       models.UUID(uuid.New()),
		Owner:        "alice",
		Title:        "from another device",
		Version:      2,
		LastModified: time.Now().Unix(),
		SyncState:    models.SyncStateSynced,
		CreatedAt:    time.Now().Unix(),
	}
	env.remote.records[remoteRec.SyncID] = remoteRec

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("pulled = %d, want 1", res.Pulled)
	}

	local, err := env.repo.GetRecord(remoteRec.SyncID)
	if err != nil {
		t.Fatalf("pulled record missing locally: %v", err)
	}
	if local.Title != "from another device" || local.SyncState != models.SyncStateSynced {
		t.Errorf("pulled record = %+v, want remote payload synced", local)
	}
}

// TestPullSkipsTombstoned verifies a stale remote copy of a deleted record
// is never resurrected.
func TestPullSkipsTombstoned(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("doomed", "", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if err := env.engine.DeleteLocal(rec.SyncID, "cleanup"); err != nil {
		t.Fatalf("DeleteLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// The remote still lists the (now deleted) record; a fresh pull must
	// not bring it back.
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if _, err := env.repo.GetRecord(rec.SyncID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("deleted record must stay gone locally")
	}
}

// TestDeleteCycle verifies the delete reaches the remote, the tombstone is
// confirmed, and the local row is dropped.
func TestDeleteCycle(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("to delete", "", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if err := env.engine.DeleteLocal(rec.SyncID, "user request"); err != nil {
		t.Fatalf("DeleteLocal() error = %v", err)
	}

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Failed != 0 {
		t.Errorf("failed = %d, want 0", res.Failed)
	}

	remoteRec, err := env.remote.Get(context.Background(), rec.SyncID)
	if err != nil {
		t.Fatalf("remote Get() error = %v", err)
	}
	if !remoteRec.Deleted {
		t.Error("remote record should be soft-deleted")
	}

	if _, err := env.repo.GetRecord(rec.SyncID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("local row should be dropped after the remote acknowledged")
	}

	ts, err := env.repo.GetTombstone(rec.SyncID)
	if err != nil {
		t.Fatalf("GetTombstone() error = %v", err)
	}
	if !ts.Confirmed {
		t.Error("tombstone should be confirmed after the remote delete")
	}
}

// TestConflictDetectionAndResolution verifies a stale update parks the
// record in conflict and keep_local resolution replays it.
func TestConflictDetectionAndResolution(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("contested", "v1", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// Another device advances the remote.
	env.remote.mu.Lock()
	other := env.remote.records[rec.SyncID]
	other.Version = 5
	other.Body = "someone else's edit"
	env.remote.mu.Unlock()

	if _, err := env.engine.UpdateLocal(rec.SyncID, "contested", "my edit", ""); err != nil {
		t.Fatalf("UpdateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	local, err := env.repo.GetRecord(rec.SyncID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if local.SyncState != models.SyncStateConflict {
		t.Fatalf("state = %v, want conflict", local.SyncState)
	}

	conflicts := env.engine.Conflicts()
	if len(conflicts) != 1 || conflicts[0].SyncID != rec.SyncID {
		t.Fatalf("Conflicts() = %v, want the contested record", conflicts)
	}

	res, err := env.engine.ResolveConflict(context.Background(), rec.SyncID, conflict.StrategyKeepLocal)
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if res.Resolved.SyncID != rec.SyncID {
		t.Error("resolved record must keep its sync ID")
	}

	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	remoteRec, _ := env.remote.Get(context.Background(), rec.SyncID)
	if remoteRec.Body != "my edit" {
		t.Errorf("remote body = %q, want local payload after keep_local", remoteRec.Body)
	}
	local, _ = env.repo.GetRecord(rec.SyncID)
	if local.SyncState != models.SyncStateSynced {
		t.Errorf("state = %v, want synced after replay", local.SyncState)
	}
	if len(env.engine.Conflicts()) != 0 {
		t.Error("conflict should be consumed by resolution")
	}
}

// TestRemoteAheadPulled verifies a newer remote version replaces a settled
// local copy.
func TestRemoteAheadPulled(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("shared", "old", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	env.remote.mu.Lock()
	other := env.remote.records[rec.SyncID]
	other.Version = 7
	other.Body = "newer"
	env.remote.mu.Unlock()

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("pulled = %d, want 1", res.Pulled)
	}

	local, _ := env.repo.GetRecord(rec.SyncID)
	if local.Body != "newer" || local.Version != 7 {
		t.Errorf("local = %q v%d, want remote payload v7", local.Body, local.Version)
	}
}

// TestRunCycleIfChangedSkips verifies the digest short-circuit.
func TestRunCycleIfChangedSkips(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.CreateLocal("once", "", "", ""); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	res, err := env.engine.RunCycleIfChanged(context.Background())
	if err != nil {
		t.Fatalf("RunCycleIfChanged() error = %v", err)
	}
	if !res.Skipped {
		t.Error("unchanged record set should skip the cycle")
	}

	if _, err := env.engine.CreateLocal("again", "", "", ""); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	res, err = env.engine.RunCycleIfChanged(context.Background())
	if err != nil {
		t.Fatalf("RunCycleIfChanged() error = %v", err)
	}
	if res.Skipped {
		t.Error("queued work should run the cycle")
	}
}

// TestGatePaused verifies a paused engine skips cycles.
func TestGatePaused(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetPaused(true)

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !res.Skipped {
		t.Error("paused engine should skip the cycle")
	}
}

// TestCycleBreakerOpenKeepsQueue verifies operations rejected by an open
// circuit breaker survive the cycle instead of being destroyed.
func TestCycleBreakerOpenKeepsQueue(t *testing.T) {
	env := newTestEnvWithRetry(t, &retry.Config{
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	})
	env.remote.createErr = apperrors.New(apperrors.ErrNetwork, "remote down")

	if _, err := env.engine.CreateLocal("first", "", "", ""); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	second, err := env.engine.CreateLocal("second", "", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	res, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Failed != 2 {
		t.Errorf("failed = %d, want 2", res.Failed)
	}

	// The first operation exhausted its attempts and opened the breaker;
	// the second was rejected before reaching the remote and must remain
	// queued, its record still pending.
	ops := env.queue.OperationsFor(second.SyncID)
	if len(ops) != 1 {
		t.Fatalf("breaker-rejected operation should stay queued, got %d", len(ops))
	}
	if ops[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", ops[0].RetryCount)
	}

	local, err := env.repo.GetRecord(second.SyncID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if local.SyncState != models.SyncStatePending {
		t.Errorf("state = %v, want pending while the breaker cools down", local.SyncState)
	}
}

// TestResetError verifies an errored record re-enters the queue.
func TestResetError(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.engine.CreateLocal("flaky", "", "", "")
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// Park the record in error state, as a terminal failure would.
	if err := env.repo.SetSyncState(rec.SyncID, models.SyncStateError); err != nil {
		t.Fatalf("SetSyncState() error = %v", err)
	}

	if err := env.engine.ResetError(rec.SyncID); err != nil {
		t.Fatalf("ResetError() error = %v", err)
	}

	local, _ := env.repo.GetRecord(rec.SyncID)
	if local.SyncState != models.SyncStatePending {
		t.Errorf("state = %v, want pending after reset", local.SyncState)
	}
	if len(env.queue.OperationsFor(rec.SyncID)) != 1 {
		t.Error("reset should re-queue the record's current payload")
	}
}

// TestCycleEvents verifies cycle and queue events reach subscribers.
func TestCycleEvents(t *testing.T) {
	env := newTestEnv(t)
	events := env.engine.Events().Subscribe()

	if _, err := env.engine.CreateLocal("observed", "", "", ""); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	seen := make(map[EventKind]bool)
	for {
		select {
		case evt := <-events:
			seen[evt.Kind] = true
		default:
			if !seen[EventOperationQueued] {
				t.Error("missing operation_queued event")
			}
			if !seen[EventCycleStarted] || !seen[EventCycleCompleted] {
				t.Error("missing cycle lifecycle events")
			}
			return
		}
	}
}
