package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/internal/storage/filestore"
	"github.com/ChuLiYu/batchkeeper/pkg/backoff"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// node is one orchestrator process over a data directory. The fake provider
// outlives restarts, like a real remote service.
type node struct {
	dir   string
	p     *fake.Provider
	store *filestore.Store
	orch  *orchestrator.Orchestrator
}

func fastConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Defaults.PollInterval = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetrieveInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.ResubmitInterval = 10 * time.Millisecond
	cfg.GaugeInterval = 50 * time.Millisecond
	cfg.CompactInterval = 100 * time.Millisecond
	cfg.CleanupBackoff = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	cfg.SubmitBackoff = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	return cfg
}

func openNode(t testing.TB, dir string, p *fake.Provider, cfg orchestrator.Config) *node {
	t.Helper()
	store, err := filestore.Open(filestore.Options{Dir: filepath.Join(dir, "store"), SyncOnAppend: true})
	require.NoError(t, err)
	sink, err := output.NewFileSink(filepath.Join(dir, "output"))
	require.NoError(t, err)
	stager, err := batchfile.NewDirStager(filepath.Join(dir, "staging"))
	require.NoError(t, err)

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:   store,
		Gateway: p,
		Sink:    sink,
		Stager:  stager,
	})
	require.NoError(t, err)
	return &node{dir: dir, p: p, store: store, orch: orch}
}

// crash closes the store without any orderly shutdown of the orchestrator.
func (n *node) crash(t testing.TB) {
	t.Helper()
	require.NoError(t, n.store.Close())
}

// records builds a batch of size requests named <prefix>-<i>.
func records(t testing.TB, prefix string, size int) []byte {
	t.Helper()
	lines := make([]batchfile.Line, 0, size)
	for i := 1; i <= size; i++ {
		l, err := batchfile.ChatRequest(fmt.Sprintf("%s-%d", prefix, i), "gpt-4",
			[]batchfile.Message{{Role: batchfile.RoleUser, Content: "hello"}}, 0)
		require.NoError(t, err)
		lines = append(lines, l)
	}
	data, err := batchfile.Marshal(lines)
	require.NoError(t, err)
	return data
}

// results builds a provider output where the last failed requests errored.
func results(prefix string, size, failed int) []byte {
	var lines [][]byte
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if i > size-failed {
			lines = append(lines, fake.ErrorLine(id, "server error"))
		} else {
			lines = append(lines, fake.ResultLine(id, "ok"))
		}
	}
	return fake.Lines(lines...)
}

func (n *node) submit(t testing.TB, prefix string, size int) *types.Job {
	t.Helper()
	job, err := n.orch.Submit(context.Background(), orchestrator.SubmitInput{Records: records(t, prefix, size)})
	require.NoError(t, err)
	require.Equal(t, types.StateSubmitted, job.State)
	return job
}

// finish completes the remote batch; any failed requests make it a
// partially completed one.
func (n *node) finish(job *types.Job, prefix string, size, failed int) {
	state := types.ProviderCompleted
	if failed > 0 {
		state = types.ProviderPartiallyCompleted
	}
	n.p.Finish(job.RemoteBatchID, provider.Status{
		State:  state,
		Counts: types.RequestCounts{Total: size, Completed: size - failed, Failed: failed},
	}, results(prefix, size, failed))
}

func (n *node) state(t testing.TB, id types.JobID) types.JobState {
	t.Helper()
	job, err := n.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job.State
}
