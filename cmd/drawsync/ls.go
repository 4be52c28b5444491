package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/ui"
	"github.com/drawvault/drawsync/internal/vault"
)

var lsCmd = &cobra.Command{
	Use:     "ls",
	GroupID: "files",
	Short:   "List the drawings in the vault",
	Long: `List every drawing in the vault with its UUID and record count.

Markdown files are only listed when they hold a drawing block. Files that
fail to parse are listed with the parse error.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings(cmd, nil)

		files, err := vault.NewFS(settings.Vault, &vault.Config{
			Filter: format.IsDrawing,
			Logger: newLogger(logWriter(settings), "vault"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		paths, err := files.List()
		if err != nil {
			fatalf("failed to list vault: %v", err)
		}

		ctx := context.Background()
		count := 0
		for _, path := range paths {
			text, err := files.Read(ctx, path)
			if err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderWarn("⚠"), path, err)
				continue
			}
			if strings.EqualFold(filepath.Ext(path), ".md") && !format.IsMarkdownDrawing(text) {
				continue
			}
			codec, _ := format.ForPath(path)
			doc, err := codec.Parse(text)
			if err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), path, err)
				continue
			}
			count++
			fmt.Printf("%s %s %s\n", path, ui.RenderMuted(doc.Meta.UUID),
				ui.RenderMuted(fmt.Sprintf("(%d records)", len(doc.Snapshot.Store))))
		}
		if count == 0 {
			fmt.Printf("No drawings in %s\n", files.Root())
		}
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
