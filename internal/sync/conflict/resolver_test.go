// Package conflict tests for detection and resolution strategies.
package conflict

import (
	"strings"
	"testing"

	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/uuid"
)

type fakeStore struct {
	inserted    []*models.ConflictRecord
	resolutions map[models.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{resolutions: make(map[models.UUID]string)}
}

func (s *fakeStore) InsertConflict(c *models.ConflictRecord) error {
	s.inserted = append(s.inserted, c)
	return nil
}

func (s *fakeStore) SetConflictResolution(syncID models.UUID, resolution string) error {
	s.resolutions[syncID] = resolution
	return nil
}

func conflictPair() (*models.Record, *models.Record) {
	syncID := models.UUID(uuid.New())
	local := &models.Record{
		SyncID:       syncID,
		Owner:        "alice",
		Title:        "local title",
		Body:         "local body",
		Version:      3,
		LastModified: 200,
		SyncState:    models.SyncStatePending,
		CreatedAt:    50,
	}
	remote := &models.Record{
		SyncID:       syncID,
		Owner:        "alice",
		Title:        "remote title",
		Body:         "remote body",
		Version:      5,
		LastModified: 100,
		SyncState:    models.SyncStateSynced,
		CreatedAt:    50,
	}
	return local, remote
}

// TestDetect verifies version mismatch produces a persisted conflict record.
func TestDetect(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	local, remote := conflictPair()

	c, ok := r.Detect(local, remote)
	if !ok {
		t.Fatal("Detect() should report a conflict for differing versions")
	}
	if c.LocalVersion != 3 || c.RemoteVersion != 5 {
		t.Errorf("versions = %d/%d, want 3/5", c.LocalVersion, c.RemoteVersion)
	}
	if len(store.inserted) != 1 {
		t.Errorf("persisted %d conflict records, want 1", len(store.inserted))
	}

	// Both sides are snapshots, not aliases.
	c.Local.Title = "mutated"
	if local.Title != "local title" {
		t.Error("Detect() should clone the local side")
	}
}

// TestDetectNoConflict verifies agreeing versions pass through.
func TestDetectNoConflict(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	remote.Version = local.Version

	if _, ok := r.Detect(local, remote); ok {
		t.Error("Detect() should not report a conflict for equal versions")
	}
}

// TestResolveKeepLocal verifies the local payload wins on top of the remote
// version.
func TestResolveKeepLocal(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)
	local, remote := conflictPair()
	c, _ := r.Detect(local, remote)

	res, err := r.Resolve(c, StrategyKeepLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Resolved.SyncID != local.SyncID {
		t.Error("resolved record must keep the original sync ID")
	}
	if res.Resolved.Title != "local title" {
		t.Errorf("resolved title = %q, want local payload", res.Resolved.Title)
	}
	if res.Resolved.Version != 6 {
		t.Errorf("resolved version = %d, want remote+1 = 6", res.Resolved.Version)
	}
	if res.Resolved.SyncState != models.SyncStatePending {
		t.Error("keep_local must re-enter the queue as pending")
	}
	if res.Split != nil {
		t.Error("keep_local must not split")
	}
	if store.resolutions[local.SyncID] != string(StrategyKeepLocal) {
		t.Error("resolution should be recorded")
	}
}

// TestResolveKeepRemote verifies the remote payload replaces local state.
func TestResolveKeepRemote(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	c, _ := r.Detect(local, remote)

	res, err := r.Resolve(c, StrategyKeepRemote)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Resolved.Title != "remote title" || res.Resolved.Version != 5 {
		t.Errorf("resolved = %q v%d, want remote payload v5", res.Resolved.Title, res.Resolved.Version)
	}
	if res.Resolved.SyncState != models.SyncStateSynced {
		t.Error("keep_remote should settle as synced")
	}
}

// TestResolveMerge verifies the later side wins fields and differing bodies
// concatenate with the separator.
func TestResolveMerge(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	// Local edit is more recent.
	c, _ := r.Detect(local, remote)

	res, err := r.Resolve(c, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Resolved.Title != "local title" {
		t.Errorf("merged title = %q, want later side's title", res.Resolved.Title)
	}
	if !strings.HasPrefix(res.Resolved.Body, "local body") ||
		!strings.Contains(res.Resolved.Body, MergeSeparator) ||
		!strings.HasSuffix(res.Resolved.Body, "remote body") {
		t.Errorf("merged body = %q, want winner + separator + loser", res.Resolved.Body)
	}
	if res.Resolved.Version != 6 {
		t.Errorf("merged version = %d, want max(3,5)+1 = 6", res.Resolved.Version)
	}
	if res.Resolved.SyncState != models.SyncStatePending {
		t.Error("merge must re-enter the queue as pending")
	}
}

// TestResolveMergeEqualBodies verifies identical bodies are not duplicated.
func TestResolveMergeEqualBodies(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	remote.Body = local.Body
	c, _ := r.Detect(local, remote)

	res, err := r.Resolve(c, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if strings.Contains(res.Resolved.Body, MergeSeparator) {
		t.Error("identical bodies must not be concatenated")
	}
}

// TestResolveKeepBoth verifies only the split copy receives a fresh sync ID.
func TestResolveKeepBoth(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	c, _ := r.Detect(local, remote)

	res, err := r.Resolve(c, StrategyKeepBoth)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Resolved.SyncID != local.SyncID {
		t.Error("remote copy must keep the original sync ID")
	}
	if res.Resolved.Title != "remote title" {
		t.Error("original sync ID should carry the remote payload")
	}
	if res.Split == nil {
		t.Fatal("keep_both must produce a split record")
	}
	if res.Split.SyncID == local.SyncID {
		t.Error("split record must get a fresh sync ID")
	}
	if !uuid.IsValid(res.Split.SyncID.String()) {
		t.Errorf("split sync ID %q is not a valid UUID", res.Split.SyncID)
	}
	if res.Split.Version != 1 || res.Split.SyncState != models.SyncStatePending {
		t.Errorf("split = v%d %s, want v1 pending", res.Split.Version, res.Split.SyncState)
	}
	if res.Split.Title != "local title" {
		t.Error("split record should carry the local payload")
	}
}

// TestResolveUnknownStrategy verifies unknown strategies are rejected.
func TestResolveUnknownStrategy(t *testing.T) {
	r := NewResolver(newFakeStore())
	local, remote := conflictPair()
	c, _ := r.Detect(local, remote)

	if _, err := r.Resolve(c, Strategy("coin_flip")); err == nil {
		t.Error("Resolve() should reject an unknown strategy")
	}
}
