package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/agents"
	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/output"
	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/internal/store"
	"github.com/dyluth/guild/pkg/guild"
)

var (
	validateConfigPath string
	validateShow       bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <spec-file>",
	Short: "Check a guild spec without submitting it",
	Long: `Validate a guild spec file (YAML, JSON or TOML) offline.

The spec is parsed strictly, normalized with the defaults from guild.yml and every
agent implementation, dependency resolver, messaging backend and execution engine
is checked against the built-in registries. Nothing is created.

Use --show to print the normalized spec that guildd would store.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "guild.yml", "Path to guild.yml supplying defaults")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Print the normalized spec as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	cfg, err := config.LoadFromEnv(validateConfigPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), nil)
	}

	normalized, err := prepareSpec(path, cfg.Defaults)
	if err != nil {
		return printer.ErrorWithContext(
			"guild spec is invalid",
			err.Error(),
			map[string]string{"File": path},
			nil,
		)
	}

	if validateShow {
		return output.SingleJSON(os.Stdout, normalized)
	}
	printer.Success("%s is valid: guild '%s' with %d %s\n", path, normalized.Name, len(normalized.Agents), pluralize(len(normalized.Agents), "agent", "agents"))
	return nil
}

// prepareSpec loads path and normalizes it against the built-in plugin registries.
func prepareSpec(path string, defaults guild.Defaults) (guild.GuildSpec, error) {
	spec, err := config.LoadGuildSpec(path)
	if err != nil {
		return guild.GuildSpec{}, err
	}
	svc := runtime.NewService(store.NewMemory(), runtime.DefaultPlugins(agents.Registry()), defaults, zerolog.Nop())
	return svc.Prepare(*spec)
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
