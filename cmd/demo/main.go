// demo walks three batches through a crash and a restart using the fake
// provider and the file store:
//
//	A  completes normally           -> retrieved, then cleaned
//	B  expires with 1 of 3 done     -> expired, no retrieval
//	C  completes with 1 of 3 failed -> partially processed, partial delivery
//
// The store is closed after the first poll cycle, before any result is
// retrieved, and reopened by a fresh orchestrator whose recovery scan finishes
// the work.
//
// Usage: go run ./cmd/demo [data-dir]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/internal/storage/filestore"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

func main() {
	dir := ""
	if len(os.Args) > 1 {
		dir = os.Args[1]
	} else {
		tmp, err := os.MkdirTemp("", "batchkeeper-demo-")
		if err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	ctx := context.Background()
	p := fake.New()

	// ---- first run ----
	orch, store := start(dir, p)
	fmt.Printf("✓ Orchestrator started (data: %s)\n\n", dir)

	ids := map[string]types.JobID{}
	for _, name := range []string{"A", "B", "C"} {
		job, err := orch.Submit(ctx, orchestrator.SubmitInput{
			Records:     records(name),
			Description: "demo batch " + name,
		})
		if err != nil {
			log.Fatalf("Submit %s: %v", name, err)
		}
		ids[name] = job.ID
		fmt.Printf("  submitted %s  job=%s batch=%s\n", name, job.ID, job.RemoteBatchID)
	}

	a, _ := orch.Get(ctx, ids["A"])
	p.Finish(a.RemoteBatchID, provider.Status{
		State:  types.ProviderCompleted,
		Counts: types.RequestCounts{Total: 3, Completed: 3},
	}, fake.Lines(
		fake.ResultLine("A-1", "first"),
		fake.ResultLine("A-2", "second"),
		fake.ResultLine("A-3", "third"),
	))

	b, _ := orch.Get(ctx, ids["B"])
	p.SetStatus(b.RemoteBatchID, provider.Status{
		State:  types.ProviderExpired,
		Counts: types.RequestCounts{Total: 3, Completed: 1},
	})

	c, _ := orch.Get(ctx, ids["C"])
	p.Finish(c.RemoteBatchID, provider.Status{
		State:  types.ProviderPartiallyCompleted,
		Counts: types.RequestCounts{Total: 3, Completed: 2, Failed: 1},
	}, fake.Lines(
		fake.ResultLine("C-1", "first"),
		fake.ResultLine("C-2", "second"),
		fake.ErrorLine("C-3", "context length exceeded"),
	))

	if _, err := orch.Monitor().RunOnce(ctx); err != nil {
		log.Fatalf("Poll cycle: %v", err)
	}
	fmt.Println("\n📊 After one poll cycle:")
	show(ctx, orch, ids)

	fmt.Println("\n⚡ Simulating a crash before any results are retrieved...")
	if err := store.Close(); err != nil {
		log.Fatalf("Close store: %v", err)
	}

	// ---- restart ----
	orch, store = start(dir, p)
	defer store.Close()
	orch.Subscribe(func(n orchestrator.Notification) {
		fmt.Printf("  🔔 %-9s job=%s state=%s\n", n.Kind, n.JobID, n.State)
	})

	fmt.Println("\n🔄 Restarted, running the recovery scan:")
	rep, err := orch.Recover(ctx)
	if err != nil {
		log.Fatalf("Recover: %v", err)
	}
	fmt.Printf("  scanned=%d retrieved=%d cleaned=%d skipped=%d (%s)\n",
		rep.Scanned, rep.Retrieved, rep.Cleaned, rep.Skipped, rep.Duration)

	if _, err := orch.Collector().RunOnce(ctx); err != nil {
		log.Fatalf("Cleanup cycle: %v", err)
	}

	fmt.Println("\n📊 Final state:")
	show(ctx, orch, ids)

	again, err := orch.Retrieve(ctx, ids["A"])
	if err != nil {
		log.Fatalf("Retrieve A again: %v", err)
	}
	fmt.Printf("\n💡 Retrieving A a second time: no_new_work=%v (%v)\n", again.NoNewWork, again.Reason)
}

func start(dir string, p *fake.Provider) (*orchestrator.Orchestrator, *filestore.Store) {
	store, err := filestore.Open(filestore.Options{Dir: filepath.Join(dir, "store"), SyncOnAppend: true})
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}
	sink, err := output.NewFileSink(filepath.Join(dir, "output"))
	if err != nil {
		log.Fatalf("Open output: %v", err)
	}
	stager, err := batchfile.NewDirStager(filepath.Join(dir, "staging"))
	if err != nil {
		log.Fatalf("Open staging: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:   store,
		Gateway: p,
		Sink:    sink,
		Stager:  stager,
	})
	if err != nil {
		log.Fatalf("Create orchestrator: %v", err)
	}
	return orch, store
}

func records(name string) []byte {
	var lines []batchfile.Line
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("%s-%d", name, i)
		l, err := batchfile.ChatRequest(id, "gpt-4", []batchfile.Message{
			{Role: batchfile.RoleUser, Content: "Say something for " + id},
		}, 64)
		if err != nil {
			log.Fatalf("Build request: %v", err)
		}
		lines = append(lines, l)
	}
	data, err := batchfile.Marshal(lines)
	if err != nil {
		log.Fatalf("Encode batch: %v", err)
	}
	return data
}

func show(ctx context.Context, orch *orchestrator.Orchestrator, ids map[string]types.JobID) {
	for _, name := range []string{"A", "B", "C"} {
		job, err := orch.Get(ctx, ids[name])
		if err != nil {
			fmt.Printf("  %s  (%v)\n", name, err)
			continue
		}
		line := fmt.Sprintf("  %s  %-21s", name, job.State)
		if job.Completeness != "" {
			line += fmt.Sprintf(" completeness=%s", job.Completeness)
		}
		if job.ErrorInfo != nil {
			line += fmt.Sprintf(" error=%q", job.ErrorInfo.Message)
		}
		fmt.Println(line)
	}
}
