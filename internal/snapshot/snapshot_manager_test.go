package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, version check, corruption
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJobs() map[types.JobID]*types.Job {
	now := time.Now().UTC()
	return map[types.JobID]*types.Job{
		"job-001": {ID: "job-001", State: types.StateMonitoring, RemoteBatchID: "batch_1", CreatedAt: now},
		"job-002": {ID: "job-002", State: types.StateRetrieved, RetrievalCount: 1, ResultRef: "file:///r/job-002.jsonl", CreatedAt: now},
		"job-003": {
			ID:        "job-003",
			State:     types.StateFailed,
			CreatedAt: now,
			ErrorInfo: &types.ErrorInfo{Kind: types.ErrorPermanent, Message: "rejected", At: now},
		},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	original := types.SnapshotData{Jobs: testJobs(), LastSeq: 100}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	require.Len(t, loaded.Jobs, 3)

	for id, want := range original.Jobs {
		got, ok := loaded.Jobs[id]
		require.True(t, ok, "job %s should exist", id)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.RetrievalCount, got.RetrievalCount)
		assert.Equal(t, want.ResultRef, got.ResultRef)
	}
	require.NotNil(t, loaded.Jobs["job-003"].ErrorInfo)
	assert.Equal(t, "rejected", loaded.Jobs["job-003"].ErrorInfo.Message)
}

func TestAtomicWrite_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "snapshot.json"))

	require.NoError(t, manager.Write(types.SnapshotData{Jobs: testJobs(), LastSeq: 1}))
	require.NoError(t, manager.Write(types.SnapshotData{Jobs: testJobs(), LastSeq: 2}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed away")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.LastSeq)
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.Equal(t, uint64(0), data.LastSeq)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":{},"schema_ver":1,"last_seq":3}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs": {`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	jobs := make(map[types.JobID]*types.Job, 5000)
	for i := 0; i < 5000; i++ {
		id := types.JobID(fmt.Sprintf("job-%05d", i))
		jobs[id] = &types.Job{ID: id, State: types.StateCleaned}
	}

	start := time.Now()
	require.NoError(t, manager.Write(types.SnapshotData{Jobs: jobs, LastSeq: 5000}))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 5000)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.SnapshotData{Jobs: testJobs(), LastSeq: seq}))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 3)
}
