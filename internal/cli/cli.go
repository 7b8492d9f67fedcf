// ============================================================================
// batchkeeper CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
//
// Command Structure:
//   batchkeeper                    # Root command
//   ├── run                        # Start the daemon
//   ├── submit -f records.jsonl    # Submit a batch to a running daemon
//   ├── get <job-id>               # Show one job record
//   ├── list [--state s1,s2]       # List jobs
//   ├── retrieve <job-id>          # Deliver a finished job's results
//   ├── status                     # Job counts per state
//   └── format -f prompts.yaml     # Turn a prompt set into a JSONL batch file
//
//   Persistent flags:
//     --config, -c   config file (default configs/default.yaml; "" for none)
//     --server       daemon gRPC address for the client commands
//     --timeout      per-request deadline for the client commands
//
// run Command:
//   1. Load config (file, then BATCHKEEPER_* environment)
//   2. Open the store, build the gateway stack and the orchestrator
//   3. Recovery scan, then monitor/retriever/collector loops
//   4. Serve gRPC and the admin HTTP endpoints
//   5. On SIGINT/SIGTERM: stop listeners, drain loops, close the store
//
//   Examples:
//     batchkeeper run
//     BATCHKEEPER_STORE_DRIVER=sqlite batchkeeper run -c prod.yaml
//
// Client Commands:
//   Talk to a running daemon over gRPC and print JSON, except status which
//   prints a summary table.
//
//   Examples:
//     batchkeeper format -f ads.yaml -o ads.jsonl
//     batchkeeper submit -f ads.jsonl --description "summer ads"
//     batchkeeper retrieve 5f0c... -o results.jsonl
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/config"
	"github.com/ChuLiYu/batchkeeper/internal/server"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var (
	configFile    string
	serverAddr    string
	clientTimeout time.Duration
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "batchkeeper",
		Short: "batchkeeper: a crash-safe lifecycle manager for provider batch jobs",
		Long: `batchkeeper submits batch request files to an LLM batch API and drives each
job through monitoring, result retrieval and remote cleanup with:
- write-ahead job records
- a startup recovery scan
- per-job retry budgets
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:50051", "daemon gRPC address")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "request timeout for client commands")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildRetrieveCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildFormatCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the batchkeeper daemon",
		Long:  "Recover stored jobs, then monitor, retrieve and clean up batches until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) (err error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	log = logger

	log.Info("Starting batchkeeper",
		"version", Version,
		"config", configFile,
		"store", cfg.Store.Driver,
		"provider", cfg.Provider.Kind)

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	defer func() {
		err = multierr.Append(err, d.close())
		log.Info("batchkeeper stopped")
	}()

	return d.serve(ctx)
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the daemon and runs fn under the client timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func buildSubmitCommand() *cobra.Command {
	var (
		file        string
		description string
		sub         types.SubmitConfig
		noCleanup   bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a JSONL batch file",
		Long:  "Validate a JSONL request file and submit it as a new job. Unset options take the daemon's defaults.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			if _, err := batchfile.Validate(records); err != nil {
				return err
			}

			var cfg *types.SubmitConfig
			if anyChanged(cmd, "max-attempts", "max-duration", "poll-interval", "retention", "no-auto-cleanup", "allow-repeat", "cleanup-failed") {
				sub.AutoCleanup = !noCleanup
				cfg = &sub
			}

			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Submit(ctx, records, description, cfg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSONL batch file")
	cmd.Flags().StringVar(&description, "description", "", "batch description sent to the provider")
	cmd.Flags().IntVar(&sub.RetryBudget.MaxAttempts, "max-attempts", 0, "transient failures allowed per stage")
	cmd.Flags().DurationVar(&sub.RetryBudget.MaxDuration, "max-duration", 0, "time allowed to recover from transient failures")
	cmd.Flags().DurationVar(&sub.PollInterval, "poll-interval", 0, "status poll interval")
	cmd.Flags().DurationVar(&sub.Retention, "retention", 0, "wait before cleaning up failed jobs")
	cmd.Flags().BoolVar(&noCleanup, "no-auto-cleanup", false, "keep remote artifacts after retrieval")
	cmd.Flags().BoolVar(&sub.AllowRepeatRetrieval, "allow-repeat", false, "allow retrieving results more than once")
	cmd.Flags().BoolVar(&sub.CleanupFailed, "cleanup-failed", false, "clean up remote artifacts of failed or expired jobs")
	cmd.MarkFlagRequired("file")

	return cmd
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

func buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Get(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStates(states)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.List(ctx, filter...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "states to include (repeatable or comma separated)")
	return cmd
}

func parseStates(in []string) ([]types.JobState, error) {
	var out []types.JobState
	for _, s := range in {
		st := types.JobState(strings.TrimSpace(s))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown state %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func buildRetrieveCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "retrieve <job-id>",
		Short: "Deliver the results of a finished job",
		Long:  "Ask the daemon to deliver a job's results. The delivery summary goes to stdout; with --out the result lines are written to that file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				res, err := c.Retrieve(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				if outFile != "" && !res.NoNewWork {
					if err := os.WriteFile(outFile, []byte(res.Results), 0o644); err != nil {
						return fmt.Errorf("failed to write results: %w", err)
					}
					if res.Truncated {
						log.Warn("Results truncated; read the full output on the daemon host", "ref", res.Ref)
					}
				}
				res.Results = ""
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write result lines to this file")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.List(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, jobs []*types.Job) {
	counts := make(map[types.JobState]int)
	for _, j := range jobs {
		counts[j.State]++
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           batchkeeper job status          ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
	fmt.Fprintf(w, "  Server:      %s\n", serverAddr)
	fmt.Fprintf(w, "  Total jobs:  %d\n", len(jobs))
	for i, st := range types.AllStates {
		branch := "├─"
		if i == len(types.AllStates)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-22s %d\n", branch, st, counts[st])
	}
}

func buildFormatCommand() *cobra.Command {
	var inFile, outFile string

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Convert a YAML prompt set into a JSONL batch file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(inFile)
			if err != nil {
				return fmt.Errorf("failed to open prompt file: %w", err)
			}
			defer f.Close()

			ps, err := batchfile.ReadPromptSet(f)
			if err != nil {
				return err
			}
			lines, err := ps.Lines()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outFile != "" {
				out, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer out.Close()
				w = out
			}
			if err := batchfile.Encode(w, lines); err != nil {
				return err
			}
			if outFile != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d requests to %s\n", len(lines), outFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inFile, "file", "f", "", "prompt set (YAML or JSON)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output JSONL file (default stdout)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
