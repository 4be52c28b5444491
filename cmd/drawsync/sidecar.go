package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drawvault/drawsync/internal/config"
	"github.com/drawvault/drawsync/internal/sidecar"
	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/ui"
)

var sidecarCmd = &cobra.Command{
	Use:     "sidecar",
	GroupID: "files",
	Short:   "Manage the sidecar snapshot database",
	Long: `Manage the sidecar database of drawing snapshots.

The sidecar holds copies of drawings keyed by UUID. When a drawing is opened
and the sidecar has a different copy, the conflict policy decides which one
is kept and the sidecar copy is discarded.`,
}

var sidecarListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sidecar snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings(cmd, nil)
		db := openSidecar(settings)
		defer db.Close()

		entries, err := db.List(context.Background())
		if err != nil {
			fatalf("%v", err)
		}
		if len(entries) == 0 {
			fmt.Printf("No snapshots in %s\n", db.Path())
			return
		}
		for _, e := range entries {
			fmt.Printf("%s %s %s\n", e.UUID,
				ui.RenderMuted(e.UpdatedAt.Local().Format(time.DateTime)),
				ui.RenderMuted(fmt.Sprintf("(%d records)", len(e.Snapshot.Store))))
		}
	},
}

var sidecarPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Store a drawing's snapshot in the sidecar",
	Long: `Store a snapshot under a drawing's UUID.

By default the snapshot is the drawing's own contents. With --from the
snapshot is read from a JSON file ({"store": {...}, "schema": {...}}).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		from, _ := cmd.Flags().GetString("from")
		settings := loadSettings(cmd, nil)

		doc, err := readDocument(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if doc.Meta.UUID == "" {
			fatalf("%s has no UUID", args[0])
		}

		snap := doc.Snapshot
		if from != "" {
			data, err := os.ReadFile(from)
			if err != nil {
				fatalf("failed to read %s: %v", from, err)
			}
			snap = store.Snapshot{}
			if err := json.Unmarshal(data, &snap); err != nil {
				fatalf("failed to parse %s: %v", from, err)
			}
		}

		db := openSidecar(settings)
		defer db.Close()
		if err := db.Put(context.Background(), doc.Meta.UUID, snap); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Stored %s (%d records)\n", ui.RenderPass("✓"), doc.Meta.UUID, len(snap.Store))
	},
}

var sidecarRmCmd = &cobra.Command{
	Use:   "rm <uuid>...",
	Short: "Delete sidecar snapshots",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings(cmd, nil)
		db := openSidecar(settings)
		defer db.Close()

		for _, id := range args {
			if err := db.Delete(context.Background(), id); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
	},
}

func openSidecar(settings config.Settings) *sidecar.Store {
	db, err := sidecar.Open(settings.Sidecar.Path, &sidecar.Config{
		Logger: newLogger(logWriter(settings), "sidecar"),
	})
	if err != nil {
		fatalf("%v", err)
	}
	return db
}

func init() {
	sidecarPutCmd.Flags().String("from", "", "Read the snapshot from a JSON file")
	sidecarCmd.AddCommand(sidecarListCmd, sidecarPutCmd, sidecarRmCmd)
	rootCmd.AddCommand(sidecarCmd)
}
