package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/config"
	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/internal/server"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "batchkeeper", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "submit", "get", "list", "retrieve", "status", "format"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.RunE)
}

func TestParseStates(t *testing.T) {
	got, err := parseStates([]string{"submitted", " retrieved "})
	require.NoError(t, err)
	assert.Equal(t, []types.JobState{types.StateSubmitted, types.StateRetrieved}, got)

	_, err = parseStates([]string{"done"})
	assert.ErrorContains(t, err, `unknown state "done"`)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), -4))

	l, err = newLogger(config.LogConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	assert.False(t, l.Enabled(context.Background(), 0))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestFormatCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "prompts.yaml")
	out := filepath.Join(dir, "batch.jsonl")
	require.NoError(t, os.WriteFile(in, []byte(`
model: gpt-4
system: Be brief.
prompts:
  - id: ad-1
    user: Write an ad for our summer sale.
  - user: Draft a launch post.
`), 0o644))

	root := BuildCLI()
	root.SetArgs([]string{"format", "-f", in, "-o", out})
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	n, err := batchfile.Validate(data)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, string(data), `"custom_id":"ad-1"`)
	assert.Contains(t, string(data), `"custom_id":"prompt-2"`)
}

func TestFormatCommand_InvalidPrompts(t *testing.T) {
	in := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(in, []byte("prompts:\n  - id: empty\n"), 0o644))

	root := BuildCLI()
	root.SetArgs([]string{"format", "-f", in})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	assert.ErrorIs(t, err, batchfile.ErrInvalidRecord)
}

func TestBuildGateway(t *testing.T) {
	cfg := config.Default().Provider
	cfg.Kind = config.ProviderFake
	gw, err := buildGateway(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, gw)

	cfg.Kind = "carrier-pigeon"
	_, err = buildGateway(cfg, nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, driver := range []string{config.DriverMemory, config.DriverFile, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			d := &daemon{}
			s, _, err := d.openStore(ctx, config.StoreConfig{
				Driver:     driver,
				Dir:        filepath.Join(dir, driver),
				SQLitePath: filepath.Join(dir, "jobs.db"),
			})
			require.NoError(t, err)
			require.NoError(t, s.Put(ctx, &types.Job{ID: "j1", State: types.StatePrepared, CreatedAt: time.Now()}))
			got, err := s.Get(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, types.StatePrepared, got.State)
			assert.NoError(t, d.close())
		})
	}
}

func TestDaemon_ServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Driver = config.DriverFile
	cfg.Store.Dir = filepath.Join(dir, "store")
	cfg.Provider.Kind = config.ProviderFake
	cfg.Provider.Tracing = true
	cfg.Paths = config.PathsConfig{Staging: filepath.Join(dir, "staging"), Output: filepath.Join(dir, "output")}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Admin.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	d, err := newDaemon(ctx, &cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.NoError(t, d.close())
}

// ============================================================================
// Client commands against an in-process daemon
// ============================================================================

func startServer(t *testing.T) (addr string, p *fake.Provider) {
	t.Helper()
	sink, err := output.NewFileSink(t.TempDir())
	require.NoError(t, err)
	stager, err := batchfile.NewDirStager(t.TempDir())
	require.NoError(t, err)
	p = fake.New()

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:   jobmanager.NewJobManager(),
		Gateway: p,
		Sink:    sink,
		Stager:  stager,
	})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	server.Register(srv, server.NewServer(orch))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := BuildCLI()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func writeBatch(t *testing.T) string {
	t.Helper()
	l, err := batchfile.ChatRequest("q1", "gpt-4", []batchfile.Message{{Role: batchfile.RoleUser, Content: "hi"}}, 0)
	require.NoError(t, err)
	data, err := batchfile.Marshal([]batchfile.Line{l})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "batch.jsonl")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestClientCommands(t *testing.T) {
	addr, p := startServer(t)
	batch := writeBatch(t)

	out, err := execute(t, "--server", addr, "submit", "-f", batch, "--description", "smoke", "--poll-interval", "2m")
	require.NoError(t, err)
	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, types.StateSubmitted, job.State)
	assert.Equal(t, 2*time.Minute, job.Config.PollInterval)
	assert.True(t, job.Config.AutoCleanup)
	assert.Equal(t, 1, p.Batches())

	out, err = execute(t, "--server", addr, "get", string(job.ID))
	require.NoError(t, err)
	var got types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, job.RemoteBatchID, got.RemoteBatchID)

	out, err = execute(t, "--server", addr, "list", "--state", "submitted,monitoring")
	require.NoError(t, err)
	var jobs []*types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	assert.Len(t, jobs, 1)

	out, err = execute(t, "--server", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Total jobs:  1")
	assert.True(t, strings.Contains(out, "submitted"))

	_, err = execute(t, "--server", addr, "retrieve", string(job.ID))
	assert.ErrorContains(t, err, "not ready")
}

func TestSubmitCommand_RejectsInvalidFileLocally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	_, err := execute(t, "--server", "127.0.0.1:1", "submit", "-f", path)
	assert.ErrorIs(t, err, batchfile.ErrInvalidRecord)
}
