package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drawvault/drawsync/internal/loadtest"
	"github.com/drawvault/drawsync/internal/ui"
	"github.com/drawvault/drawsync/internal/vault"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Load test concurrent views of one drawing",
	Long: `Open many views of one drawing, have each add shapes concurrently, and
report edit latency. Afterwards every view and the written file are checked
to hold the same records.

By default the drawing lives in memory. With --disk it is written to a
temporary directory through the same file storage serve uses.

Examples:
  drawsync bench                        # 50 views, 20 edits each
  drawsync bench --views 200 --edits 5  # More views
  drawsync bench --disk --json          # Real files, JSON output`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("views", 50, "Number of concurrent views")
	benchCmd.Flags().Int("edits", 20, "Number of edits per view")
	benchCmd.Flags().Duration("debounce", 20*time.Millisecond, "Quiet period before writes")
	benchCmd.Flags().Bool("disk", false, "Write to a temporary directory instead of memory")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	views, _ := cmd.Flags().GetInt("views")
	edits, _ := cmd.Flags().GetInt("edits")
	debounce, _ := cmd.Flags().GetDuration("debounce")
	disk, _ := cmd.Flags().GetBool("disk")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if views <= 0 {
		fatalf("--views must be positive")
	}
	if edits <= 0 {
		fatalf("--edits must be positive")
	}

	opts := loadtest.Options{Views: views, PersistWait: debounce, Seed: 42}
	if disk {
		dir, err := os.MkdirTemp("", "drawsync-bench-")
		if err != nil {
			fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		files, err := vault.NewFS(dir, nil)
		if err != nil {
			fatalf("%v", err)
		}
		opts.Storage = files
	}

	ctx := context.Background()
	h, err := loadtest.NewHarness(ctx, opts)
	if err != nil {
		fatalf("%v", err)
	}
	defer h.Close()

	if !jsonOutput {
		fmt.Printf("%s Running %d views x %d edits...\n", ui.RenderAccent("→"), views, edits)
	}
	stats, err := h.RunConcurrentEdits(edits)
	if err != nil {
		fatalf("%v", err)
	}
	convergeErr := h.VerifyConvergence(ctx, 5*time.Second)

	if jsonOutput {
		out := map[string]any{
			"views":     views,
			"edits":     stats.TotalEdits,
			"errors":    stats.Errors,
			"elapsed":   stats.Elapsed.String(),
			"p50":       stats.P50.String(),
			"p95":       stats.P95.String(),
			"p99":       stats.P99.String(),
			"max":       stats.Max.String(),
			"converged": convergeErr == nil,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		fmt.Println()
		stats.PrintStats(os.Stdout)
		fmt.Println()
		if convergeErr == nil {
			fmt.Printf("%s All views converged\n", ui.RenderPass("✓"))
		}
	}
	if convergeErr != nil {
		fatalf("views did not converge: %v", convergeErr)
	}
}
