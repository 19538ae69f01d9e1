package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/scaffold"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create guild.yml and an example guild spec",
	Long: `Initialize the current directory for guildd.

Creates:
  • guild.yml with the daemon, store and default plugin settings
  • guilds/echo.yaml, an example guild that guildd picks up from its spec directory

Use --force to overwrite an existing setup.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing guild.yml and guilds/")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if initForce {
		printer.Warning("Replacing existing guild.yml and guilds/\n")
	}
	created, err := scaffold.Initialize(".", initForce)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), []string{"Reinitialize, overwriting existing files:\n  guild init --force"})
	}

	printer.Success("Initialized guild project\n\nCreated:\n")
	for _, path := range created {
		printer.Info("  %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Start the daemon: guildd\n")
	printer.Info("  2. Watch it pick up guilds/echo.yaml: guild get\n")
	printer.Info("  3. Say hello: guild publish <guild-id> \"hi\"\n")
	return nil
}
