package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drawvault/drawsync/internal/config"
	"github.com/drawvault/drawsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show or create the drawsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the vault",
	Run: func(cmd *cobra.Command, args []string) {
		vault, _ := cmd.Flags().GetString("vault")
		force, _ := cmd.Flags().GetBool("force")

		path, err := config.WriteDefault(vault, force)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings(cmd, nil)
		data, err := config.Encode(settings)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s %s\n\n", ui.RenderAccent("vault:"), settings.Vault)
		fmt.Print(string(data))
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
