// Command drawsync serves a vault of drawing files to live views and keeps
// every open view, and the files themselves, in sync.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/drawvault/drawsync/internal/config"
	"github.com/drawvault/drawsync/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "drawsync",
	Short: "Keep drawing files and their open views in sync",
	Long: `drawsync keeps every open view of a drawing in the same state and writes
changes back to the vault after a short quiet period.

Drawings are markdown files with an embedded drawing block, or .tldr files.
Changes made to the files by other programs are loaded into all open views.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.InitStdout()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "files", Title: "Files:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringP("vault", "C", ".", "Vault directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings resolves settings for the command's vault. Flags bound by
// the caller take priority over the config file and environment.
func loadSettings(cmd *cobra.Command, bind func(v *viper.Viper) error) config.Settings {
	vault, _ := cmd.Flags().GetString("vault")
	v := config.New(vault)
	if bind != nil {
		if err := bind(v); err != nil {
			fatalf("failed to bind flags: %v", err)
		}
	}
	settings, err := config.Load(v)
	if err != nil {
		fatalf("%v", err)
	}
	return settings
}

// logWriter returns where component loggers write. A configured log file
// is rotated by size.
func logWriter(s config.Settings) io.Writer {
	if s.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   s.Log.File,
		MaxSize:    s.Log.MaxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
}

func newLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
