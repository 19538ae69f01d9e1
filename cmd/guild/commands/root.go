package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/api"
	"github.com/dyluth/guild/internal/apiclient"
	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/resolver"
	"github.com/dyluth/guild/internal/watch"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "guild",
	Short: "Guild - run declarative groups of cooperating agents",
	Long: `Guild manages guilds: declarative groups of agents that cooperate by exchanging
ordered, threaded messages over a pluggable messaging backend.

The guild CLI talks to a running guildd over HTTP. Use --server or GUILD_SERVER
to point it somewhere other than http://localhost:8080.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "guildd address (default $GUILD_SERVER or "+apiclient.DefaultServer+")")
}

// newClient builds an API client from --server, GUILD_SERVER or the default.
func newClient() (*apiclient.Client, error) {
	addr := serverAddr
	if addr == "" {
		addr = os.Getenv(apiclient.EnvServer)
	}
	if addr == "" {
		addr = apiclient.DefaultServer
	}
	c, err := apiclient.New(addr)
	if err != nil {
		return nil, printer.Error("invalid server address", err.Error(), []string{"Use a full URL, e.g.\n  guild --server http://localhost:8080 get"})
	}
	return c, nil
}

// apiFailure renders a failed API call.
func apiFailure(action string, err error) error {
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		return printer.Error(
			fmt.Sprintf("failed to %s", action),
			err.Error(),
			[]string{"Check that guildd is running and reachable:\n  guild --server <url> get"},
		)
	}

	var suggestions []string
	switch apiErr.Kind {
	case api.KindNotFound:
		suggestions = []string{"List known guilds:\n  guild get"}
	case api.KindConflict:
		suggestions = []string{"Start the guild first:\n  guild status <id> active"}
	case api.KindValidation:
		suggestions = []string{"Check the spec offline:\n  guild validate <file>"}
	}
	return printer.ErrorWithContext(
		fmt.Sprintf("failed to %s", action),
		apiErr.Message,
		map[string]string{"Status": fmt.Sprintf("%d", apiErr.StatusCode), "Kind": apiErr.Kind},
		suggestions,
	)
}

func parseOutput(s string) (watch.OutputFormat, error) {
	f, err := watch.ParseOutputFormat(strings.ToLower(s))
	if err != nil {
		return "", printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}
	return f, nil
}

// resolveID expands a short guild id from a table into the full id.
func resolveID(ctx context.Context, c *apiclient.Client, input string) (string, error) {
	id, err := resolver.ResolveGuildID(ctx, c, input)
	if err == nil {
		return id, nil
	}

	var ambiguous *resolver.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		return "", printer.Error("ambiguous guild id", ambiguous.Describe(), nil)
	case resolver.IsNotFoundError(err):
		return "", printer.Error("guild not found", err.Error(), []string{"List known guilds:\n  guild get"})
	default:
		return "", apiFailure("resolve guild id", err)
	}
}
