package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/checksum"
	"github.com/kimhsiao/recordnexus/internal/sync/conflict"
	"github.com/kimhsiao/recordnexus/internal/sync/queue"
	"github.com/kimhsiao/recordnexus/internal/sync/retry"
	"github.com/kimhsiao/recordnexus/internal/sync/tombstone"
)

// Config holds the orchestrator configuration. There is no hidden
// process-wide state: everything the cycle consults lives here or in Deps.
type Config struct {
	Owner             string
	AttachmentDir     string
	BatchConcurrency  int           // concurrent attachment transfers per batch
	VerifyAfterUpload bool          // read back and digest-check uploads
	PullEnabled       bool          // step 4 of the cycle
	RetentionWindow   time.Duration // tombstone retention
	AllowedNetworks   []string      // empty allows any network type
}

// DefaultConfig returns the default engine configuration for an owner.
func DefaultConfig(owner string) *Config {
	return &Config{
		Owner:             owner,
		BatchConcurrency:  10,
		VerifyAfterUpload: true,
		PullEnabled:       true,
		RetentionWindow:   30 * 24 * time.Hour,
	}
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Local        LocalStore
	Remote       RecordStore
	Blobs        BlobStore
	Queue        *queue.Queue
	Retry        *retry.Coordinator
	Resolver     *conflict.Resolver
	Tombstones   *tombstone.Tracker
	Connectivity Connectivity
	Bus          *EventBus
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	StartTime time.Time
	EndTime   time.Time
	Uploaded  int
	Failed    int
	Pulled    int
	Conflicts int
	Skipped   bool // cycle gated out or already in flight
}

// Engine is the sync orchestrator. Cycles are single-flight: a request
// arriving while one runs is a no-op.
type Engine struct {
	cfg        *Config
	local      LocalStore
	remote     RecordStore
	blobs      BlobStore
	queue      *queue.Queue
	retry      *retry.Coordinator
	resolver   *conflict.Resolver
	tombstones *tombstone.Tracker
	conn       Connectivity
	bus        *EventBus

	cycleGate chan struct{} // capacity 1; held while a cycle runs

	mu         sync.Mutex
	paused     bool
	lastSync   time.Time
	lastDigest string
	conflicts  map[models.UUID]*models.ConflictRecord // detected, awaiting resolution
	transfers  *transferSet
}

// NewEngine creates the orchestrator and wires queue callbacks onto the
// event bus.
func NewEngine(cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil || cfg.Owner == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "engine config requires an owner")
	}
	if deps.Local == nil || deps.Remote == nil || deps.Queue == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "engine requires local store, remote store and queue")
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 10
	}
	if deps.Connectivity == nil {
		deps.Connectivity = alwaysOnline{}
	}
	if deps.Bus == nil {
		deps.Bus = NewEventBus()
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewCoordinator(nil)
	}

	e := &Engine{
		cfg:        cfg,
		local:      deps.Local,
		remote:     deps.Remote,
		blobs:      deps.Blobs,
		queue:      deps.Queue,
		retry:      deps.Retry,
		resolver:   deps.Resolver,
		tombstones: deps.Tombstones,
		conn:       deps.Connectivity,
		bus:        deps.Bus,
		cycleGate:  make(chan struct{}, 1),
		conflicts:  make(map[models.UUID]*models.ConflictRecord),
	}

	deps.Queue.OnQueued = func(op *models.SyncOperation) {
		e.bus.Publish(EventOperationQueued, op.SyncID,
			fmt.Sprintf("%s operation queued", op.Type))
	}
	deps.Queue.OnRetried = func(op *models.SyncOperation, err error) {
		e.bus.Publish(EventOperationRetried, op.SyncID,
			fmt.Sprintf("%s operation retry %d: %v", op.Type, op.RetryCount, err))
	}
	deps.Queue.OnTerminal = func(op *models.SyncOperation, err error) {
		if apperrors.Is(err, apperrors.ErrVersionConflict) {
			// Already parked in conflict state awaiting resolution.
			return
		}
		// Terminal failure is record-scoped: the record parks in error
		// state until the caller resets it.
		if serr := e.local.SetSyncState(op.SyncID, models.SyncStateError); serr != nil {
			logging.Error("Failed to mark record errored", serr,
				map[string]interface{}{"sync_id": op.SyncID})
		}
		e.bus.Publish(EventOperationFailedTerminal, op.SyncID, err.Error())
	}

	// Operations lost to snapshot corruption leave their records pending;
	// the next cycle re-enqueues from local state.
	for _, syncID := range deps.Queue.SalvagedSyncIDs() {
		if err := e.local.SetSyncState(syncID, models.SyncStatePending); err != nil {
			logging.Error("Failed to re-mark salvaged record pending", err,
				map[string]interface{}{"sync_id": syncID})
		}
	}

	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus {
	return e.bus
}

// SetPaused pauses or resumes cycle execution.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
}

// LastSync returns the time of the last completed cycle.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	select {
	case e.cycleGate <- struct{}{}:
		<-e.cycleGate
		return false
	default:
		return true
	}
}

// gate checks connectivity and user-configured constraints. An unmet gate
// aborts the cycle silently.
func (e *Engine) gate() bool {
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return false
	}
	if !e.conn.Online() {
		return false
	}
	if len(e.cfg.AllowedNetworks) > 0 {
		current := e.conn.NetworkType()
		allowed := false
		for _, n := range e.cfg.AllowedNetworks {
			if n == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// RunCycle executes one full sync cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	return e.runCycle(ctx, false)
}

// RunCycleIfChanged executes a cycle only when the local record-set digest
// moved since the previous cycle or operations are queued. The periodic
// timer uses this to keep no-op cycles cheap.
func (e *Engine) RunCycleIfChanged(ctx context.Context) (*CycleResult, error) {
	return e.runCycle(ctx, true)
}

func (e *Engine) runCycle(ctx context.Context, onlyIfChanged bool) (res *CycleResult, err error) {
	if !e.gate() {
		return &CycleResult{Skipped: true}, nil
	}

	select {
	case e.cycleGate <- struct{}{}:
	default:
		// A cycle is already in flight.
		return &CycleResult{Skipped: true}, nil
	}
	defer func() { <-e.cycleGate }()

	if onlyIfChanged && e.queue.Len() == 0 {
		digest, derr := e.recordSetDigest()
		if derr == nil {
			e.mu.Lock()
			unchanged := digest == e.lastDigest && e.lastDigest != ""
			e.mu.Unlock()
			if unchanged {
				return &CycleResult{Skipped: true}, nil
			}
		}
	}

	res = &CycleResult{StartTime: time.Now()}
	e.bus.Publish(EventCycleStarted, "", "sync cycle started")

	defer func() {
		res.EndTime = time.Now()
		if err != nil {
			e.bus.Publish(EventCycleFailed, models.UUID(apperrors.SyncIDOf(err)), err.Error())
			return
		}
		if digest, derr := e.recordSetDigest(); derr == nil {
			e.mu.Lock()
			e.lastDigest = digest
			e.lastSync = res.EndTime
			e.mu.Unlock()
		}
		e.bus.Publish(EventCycleCompleted, "",
			fmt.Sprintf("cycle completed: %d uploaded, %d pulled, %d failed",
				res.Uploaded, res.Pulled, res.Failed))
	}()

	// Records locally marked deleted but never queued get their delete
	// operation now.
	if qerr := e.enqueuePendingDeletions(); qerr != nil {
		logging.Error("Failed to enqueue pending deletions", qerr, nil)
	}

	// Attachment bytes fan out ahead of the serialized drain.
	batch := e.queue.Operations()
	set := e.preTransferAttachments(ctx, batch)
	e.mu.Lock()
	e.transfers = set
	e.mu.Unlock()

	drainRes, derr := e.queue.Drain(ctx, queue.ExecutorFunc(e.executeOperation))
	if derr != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "queue drain aborted", derr)
		return res, err
	}
	res.Uploaded = drainRes.Processed
	res.Failed = drainRes.Failed

	if e.cfg.PullEnabled {
		pulled, conflicts, perr := e.pullRemote(ctx, drainRes)
		res.Pulled = pulled
		res.Conflicts = conflicts
		if perr != nil {
			err = perr
			return res, err
		}
	}

	return res, nil
}

// enqueuePendingDeletions queues a delete for soft-deleted records that
// have no queued operation yet.
func (e *Engine) enqueuePendingDeletions() error {
	pending, err := e.local.ListPendingDeletions(e.cfg.Owner)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if len(e.queue.OperationsFor(rec.SyncID)) > 0 {
			continue
		}
		ts, terr := e.tombstones.MarkDeleted(rec.SyncID, e.cfg.Owner, "offline deletion replay")
		if terr != nil {
			logging.Error("Failed to tombstone pending deletion", terr,
				map[string]interface{}{"sync_id": rec.SyncID})
			continue
		}
		_, qerr := e.queue.Enqueue(rec.SyncID, 0, models.OperationData{
			Kind: models.OperationDelete,
			Delete: &models.DeleteData{
				DeletedBy: ts.DeletedBy,
				Reason:    ts.Reason,
			},
		})
		if qerr != nil {
			logging.Error("Failed to enqueue pending deletion", qerr,
				map[string]interface{}{"sync_id": rec.SyncID})
		}
	}
	return nil
}

// pullRemote applies the remote record set, filtered through the tombstone
// tracker. Records whose own upload or delete succeeded in this cycle are
// skipped by sync ID, so the pull still sees genuine changes from other
// devices in the same cycle. Failures are record-scoped.
func (e *Engine) pullRemote(ctx context.Context, drainRes *queue.DrainResult) (int, int, error) {
	var remoteRecords []*models.Record
	err := e.retry.Do(ctx, "pull", func(ctx context.Context) error {
		var lerr error
		remoteRecords, lerr = e.remote.List(ctx, e.cfg.Owner)
		return lerr
	})
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrSyncFailed, "remote pull failed", err)
	}

	if e.tombstones != nil {
		remoteRecords, err = e.tombstones.FilterTombstoned(remoteRecords)
		if err != nil {
			return 0, 0, err
		}
	}

	skip := make(map[models.UUID]bool, len(drainRes.Succeeded)+len(drainRes.Deleted))
	for _, id := range drainRes.Succeeded {
		skip[id] = true
	}
	for _, id := range drainRes.Deleted {
		skip[id] = true
	}

	pulled, conflicts := 0, 0
	for _, remoteRec := range remoteRecords {
		if ctx.Err() != nil {
			return pulled, conflicts, ctx.Err()
		}
		if skip[remoteRec.SyncID] {
			continue
		}

		applied, conflicted, aerr := e.applyRemote(ctx, remoteRec)
		if aerr != nil {
			logging.ErrorWithCode("Failed to apply remote record",
				string(apperrors.CodeOf(aerr)), aerr,
				map[string]interface{}{"sync_id": remoteRec.SyncID})
			continue
		}
		if applied {
			pulled++
		}
		if conflicted {
			conflicts++
		}
	}

	return pulled, conflicts, nil
}

// applyRemote reconciles one surviving remote record against local state.
func (e *Engine) applyRemote(ctx context.Context, remoteRec *models.Record) (applied, conflicted bool, err error) {
	local, err := e.local.GetRecord(remoteRec.SyncID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		created := remoteRec.Clone()
		created.SyncState = models.SyncStateSynced
		if ierr := e.local.InsertRecord(created); ierr != nil {
			return false, false, ierr
		}
		if derr := e.downloadAttachment(ctx, created); derr != nil {
			logging.ErrorWithCode("Attachment download failed",
				string(apperrors.CodeOf(derr)), derr,
				map[string]interface{}{"sync_id": created.SyncID})
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	// A record awaiting conflict resolution, or one with queued local work,
	// is never overwritten by a pull; the drain path settles it first.
	if local.SyncState == models.SyncStateConflict {
		return false, true, nil
	}
	if len(e.queue.OperationsFor(local.SyncID)) > 0 {
		return false, false, nil
	}

	switch {
	case remoteRec.Version > local.Version:
		updated := remoteRec.Clone()
		updated.SyncState = models.SyncStateSynced
		updated.CreatedAt = local.CreatedAt
		if uerr := e.local.UpdateRecord(updated); uerr != nil {
			return false, false, uerr
		}
		if local.ContentHash != updated.ContentHash {
			if derr := e.downloadAttachment(ctx, updated); derr != nil {
				logging.ErrorWithCode("Attachment download failed",
					string(apperrors.CodeOf(derr)), derr,
					map[string]interface{}{"sync_id": updated.SyncID})
			}
		}
		return true, false, nil

	case local.Version > remoteRec.Version:
		// Local is ahead: replay it as an update against the remote's
		// current version.
		_, qerr := e.queue.Enqueue(local.SyncID, 0, models.OperationData{
			Kind: models.OperationUpdate,
			Update: &models.UpdateData{
				Record:      *local,
				BaseVersion: remoteRec.Version,
			},
		})
		return false, false, qerr

	default:
		return false, false, nil
	}
}

// recordSetDigest hashes the (syncId, version, state) triples of the local
// record set, used to detect no-op cycles.
func (e *Engine) recordSetDigest() (string, error) {
	records, err := e.local.ListRecords(e.cfg.Owner)
	if err != nil {
		return "", err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SyncID < records[j].SyncID
	})
	var buf []byte
	for _, rec := range records {
		buf = append(buf, fmt.Sprintf("%s:%d:%s;", rec.SyncID, rec.Version, rec.SyncState)...)
	}
	return checksum.Digest(buf), nil
}

// CleanupTombstones removes confirmed tombstones past the retention
// window. The scheduler runs this on its own timetable, decoupled from the
// sync cycle.
func (e *Engine) CleanupTombstones() (int, error) {
	if e.tombstones == nil {
		return 0, nil
	}
	removed, err := e.tombstones.CleanupExpired(e.cfg.RetentionWindow)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.bus.Publish(EventTombstoneExpired, "",
			fmt.Sprintf("%d expired tombstones removed", removed))
	}
	return removed, nil
}
