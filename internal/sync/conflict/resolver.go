// Package conflict detects optimistic-concurrency version mismatches and
// applies an explicit resolution strategy.
package conflict

import (
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/uuid"
)

// Strategy selects how a conflict is resolved. There is no automatic
// default: callers choose explicitly.
type Strategy string

const (
	// StrategyKeepLocal overwrites the remote with the local payload.
	StrategyKeepLocal Strategy = "keep_local"
	// StrategyKeepRemote overwrites the local copy with the remote payload.
	StrategyKeepRemote Strategy = "keep_remote"
	// StrategyMerge combines both sides field by field.
	StrategyMerge Strategy = "merge"
	// StrategyKeepBoth keeps the remote under the original sync ID and
	// splits the local payload into a brand-new record.
	StrategyKeepBoth Strategy = "keep_both"
)

// MergeSeparator marks the boundary between concatenated free-text fields
// in a merged record.
const MergeSeparator = "\n\n--- merged change ---\n\n"

// Store persists conflict records for user awareness. *db.Repository
// satisfies it.
type Store interface {
	InsertConflict(c *models.ConflictRecord) error
	SetConflictResolution(syncID models.UUID, resolution string) error
}

// Resolver handles conflict detection and resolution.
type Resolver struct {
	store Store
}

// NewResolver creates a new Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolution is the outcome of applying a strategy. Resolved always carries
// the original sync ID. Split is non-nil only for keep_both and carries a
// freshly generated sync ID.
type Resolution struct {
	Resolved *models.Record
	Split    *models.Record
	Strategy Strategy
}

// Detect builds and persists a ConflictRecord when an update's base version
// does not match the remote's current version. Returns (nil, false) when
// the versions agree.
func (r *Resolver) Detect(local, remote *models.Record) (*models.ConflictRecord, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.SyncID != remote.SyncID {
		return nil, false
	}
	if local.Version == remote.Version {
		return nil, false
	}

	c := &models.ConflictRecord{
		SyncID:        local.SyncID,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		Local:         local.Clone(),
		Remote:        remote.Clone(),
		DetectedAt:    time.Now().Unix(),
	}

	if err := r.store.InsertConflict(c); err != nil {
		logging.Error("Failed to persist conflict record", err,
			map[string]interface{}{"sync_id": local.SyncID})
	}

	logging.Warn("Version conflict detected",
		map[string]interface{}{
			"sync_id":        local.SyncID,
			"local_version":  local.Version,
			"remote_version": remote.Version,
		})

	return c, true
}

// Resolve consumes a conflict record and produces a resolved record with
// the original sync ID preserved byte-for-byte.
func (r *Resolver) Resolve(c *models.ConflictRecord, strategy Strategy) (*Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict record requires both sides")
	}
	if c.Local.SyncID != c.Remote.SyncID {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict sides have different sync IDs")
	}

	var res *Resolution
	switch strategy {
	case StrategyKeepLocal:
		res = r.keepLocal(c)
	case StrategyKeepRemote:
		res = r.keepRemote(c)
	case StrategyMerge:
		res = r.merge(c)
	case StrategyKeepBoth:
		res = r.keepBoth(c)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown resolution strategy: "+string(strategy))
	}

	if err := r.store.SetConflictResolution(c.SyncID, string(strategy)); err != nil {
		logging.Error("Failed to record conflict resolution", err,
			map[string]interface{}{"sync_id": c.SyncID})
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"sync_id":  c.SyncID,
			"strategy": strategy,
			"version":  res.Resolved.Version,
		})

	return res, nil
}

func (r *Resolver) keepLocal(c *models.ConflictRecord) *Resolution {
	resolved := c.Local.Clone()
	resolved.Version = c.RemoteVersion + 1
	resolved.SyncState = models.SyncStatePending
	return &Resolution{Resolved: resolved, Strategy: StrategyKeepLocal}
}

func (r *Resolver) keepRemote(c *models.ConflictRecord) *Resolution {
	resolved := c.Remote.Clone()
	resolved.SyncState = models.SyncStateSynced
	return &Resolution{Resolved: resolved, Strategy: StrategyKeepRemote}
}

// merge picks title and body from whichever side has the later
// LastModified; body text present on both sides with differing content is
// concatenated with a visible separator. Version advances past both sides.
func (r *Resolver) merge(c *models.ConflictRecord) *Resolution {
	winner, loser := c.Local, c.Remote
	if c.Remote.LastModified > c.Local.LastModified {
		winner, loser = c.Remote, c.Local
	}

	resolved := winner.Clone()
	resolved.SyncID = c.SyncID

	if winner.Body != "" && loser.Body != "" && winner.Body != loser.Body {
		resolved.Body = winner.Body + MergeSeparator + loser.Body
	}

	resolved.Version = maxInt(c.LocalVersion, c.RemoteVersion) + 1
	resolved.SyncState = models.SyncStatePending
	if winner.LastModified > resolved.LastModified {
		resolved.LastModified = winner.LastModified
	}
	return &Resolution{Resolved: resolved, Strategy: StrategyMerge}
}

// keepBoth is the user-initiated split: the remote wins the original sync
// ID, and the local payload becomes a brand-new record. Only this split
// copy ever receives a fresh sync ID.
func (r *Resolver) keepBoth(c *models.ConflictRecord) *Resolution {
	resolved := c.Remote.Clone()
	resolved.SyncState = models.SyncStateSynced

	split := c.Local.Clone()
	split.SyncID = models.UUID(uuid.New())
	split.Version = 1
	split.SyncState = models.SyncStatePending
	split.CreatedAt = time.Now().Unix()

	return &Resolution{Resolved: resolved, Split: split, Strategy: StrategyKeepBoth}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
