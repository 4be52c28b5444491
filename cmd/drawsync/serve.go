package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/drawvault/drawsync/internal/config"
	"github.com/drawvault/drawsync/internal/conflict"
	"github.com/drawvault/drawsync/internal/documents"
	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/live"
	"github.com/drawvault/drawsync/internal/sidecar"
	"github.com/drawvault/drawsync/internal/ui"
	"github.com/drawvault/drawsync/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve live views of the vault's drawings",
	Long: `Start the live view server for a vault.

Every websocket connection to /ws?path=<file> is a view of that drawing.
Views of the same file share one document: edits in one view are mirrored
to the others and written to the file after a quiet period. Files changed
by other programs are reloaded into every open view.

Endpoints:
  ws://HOST:PORT/ws?path=<file>   Live view of a drawing
  ws://HOST:PORT/events           Document lifecycle events
  http://HOST:PORT/health         Server status

When a drawing has a different copy in the sidecar database, the conflict
policy decides which one is kept. With policy "ask" the choice is prompted
for on the terminal.

Example usage:
  drawsync serve                     # Serve the current directory
  drawsync serve -C ~/notes -p 9000  # Serve another vault on port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings(cmd, func(v *viper.Viper) error {
			for key, flag := range map[string]string{
				config.KeyLivePort:       "port",
				config.KeyLiveHost:       "host",
				config.KeyDebounce:       "debounce",
				config.KeyConflictPolicy: "policy",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		})

		logs := logWriter(settings)
		if c, ok := logs.(io.Closer); ok {
			defer c.Close()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		files, err := vault.NewFS(settings.Vault, &vault.Config{
			Filter: format.IsDrawing,
			Logger: newLogger(logs, "vault"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		if err := files.Start(ctx); err != nil {
			fatalf("failed to watch vault: %v", err)
		}
		defer files.Close()

		snapshots, err := sidecar.Open(settings.Sidecar.Path, &sidecar.Config{
			Logger: newLogger(logs, "sidecar"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer snapshots.Close()

		resolver := conflict.NewResolver(snapshots, chooserFor(settings.Conflict.Policy), &conflict.Config{
			Logger: newLogger(logs, "conflict"),
		})

		docs, err := documents.NewManager(&documents.Config{
			Storage:     files,
			Conflicts:   resolver,
			PersistWait: settings.Debounce,
			Logger:      newLogger(logs, "documents"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer docs.Close()

		server := live.NewServer(docs, &live.Config{
			Port:   settings.Live.Port,
			Host:   settings.Live.Host,
			Logger: newLogger(logs, "live"),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start live server: %v", err)
		}

		addr := server.Addr()
		fmt.Printf("%s Serving %s\n", ui.RenderPass("✓"), ui.RenderAccent(files.Root()))
		fmt.Printf("   Views:  ws://%s/ws?path=<file>\n", addr)
		fmt.Printf("   Events: ws://%s/events\n", addr)
		fmt.Printf("   Health: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		// Views are gone; write whatever is still waiting for its quiet period.
		docs.FlushAll()
		fmt.Println("Stopped")
	},
}

// chooserFor maps a conflict policy to a chooser. "ask" needs a terminal
// and falls back to keeping the file without one.
func chooserFor(policy string) conflict.Chooser {
	switch policy {
	case config.PolicySidecar:
		return conflict.PolicyChooser{Choice: conflict.KeepSidecar}
	case config.PolicyAsk:
		if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
			return conflict.PromptChooser{Input: os.Stdin, Output: os.Stdout}
		}
		fmt.Fprintf(os.Stderr, "%s conflict policy \"ask\" needs a terminal, keeping files on conflict\n", ui.RenderWarn("⚠"))
		return conflict.PolicyChooser{Choice: conflict.KeepFile}
	default:
		return conflict.PolicyChooser{Choice: conflict.KeepFile}
	}
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8787, "Port to listen on (0 picks a free port)")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind")
	serveCmd.Flags().Duration("debounce", 0, "Quiet period before changes are written (default from config, 200ms)")
	serveCmd.Flags().String("policy", config.PolicyAsk, "Conflict policy: ask, file or sidecar")
	rootCmd.AddCommand(serveCmd)
}
