package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/filter"
	"github.com/dyluth/guild/internal/output"
	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/timespec"
	"github.com/dyluth/guild/internal/watch"
	"github.com/dyluth/guild/pkg/guild"
)

var (
	getOutput    string
	getAgents    bool
	getStatus    string
	getName      string
	getBackend   string
	getSince     string
	getUntil     string
	createOutput string
)

var createCmd = &cobra.Command{
	Use:   "create <spec-file>",
	Short: "Submit a guild spec to guildd",
	Long: `Create a guild from a YAML, JSON or TOML spec file.

The guild starts running immediately unless the spec sets status: stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var getCmd = &cobra.Command{
	Use:   "get [guild-id]",
	Short: "List guilds or show one guild",
	Long: `Without an id, list guilds as a table (or JSONL with --output=json). The
listing can be narrowed with --status, --name (a glob), --backend and a time
range on the last update (--since/--until, e.g. 1h, 7d or RFC3339).

With an id, show that guild's spec as JSON, or its running agents with --agents.
Ids may be shortened to any unique prefix of at least 6 characters.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGet,
}

var statusCmd = &cobra.Command{
	Use:       "status <guild-id> <active|stopped|archived>",
	Short:     "Change a guild's lifecycle status",
	Long:      "Move a guild to active (start it), stopped (shut it down) or archived (stop and keep the record).",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(guild.StatusActive), string(guild.StatusStopped), string(guild.StatusArchived)},
	RunE:      runStatus,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <guild-id>",
	Short: "Stop and delete a guild",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	createCmd.Flags().StringVarP(&createOutput, "output", "o", "default", "Output format (default or json)")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "default", "Output format (default or json)")
	getCmd.Flags().BoolVar(&getAgents, "agents", false, "Show the runtime state of the guild's agents")
	getCmd.Flags().StringVar(&getStatus, "status", "", "Only guilds with this status")
	getCmd.Flags().StringVar(&getName, "name", "", "Only guilds whose name matches this glob")
	getCmd.Flags().StringVar(&getBackend, "backend", "", "Only guilds using this messaging backend")
	getCmd.Flags().StringVar(&getSince, "since", "", "Only guilds updated after this time")
	getCmd.Flags().StringVar(&getUntil, "until", "", "Only guilds updated before this time")
	rootCmd.AddCommand(createCmd, getCmd, statusCmd, deleteCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	format, err := parseOutput(createOutput)
	if err != nil {
		return err
	}
	spec, err := config.LoadGuildSpec(args[0])
	if err != nil {
		return printer.ErrorWithContext("guild spec is invalid", err.Error(), map[string]string{"File": args[0]},
			[]string{fmt.Sprintf("Check it offline:\n  guild validate %s", args[0])})
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := c.Create(ctx, spec)
	if err != nil {
		return apiFailure("create guild", err)
	}

	if format == watch.OutputFormatJSON {
		return output.SingleJSON(os.Stdout, map[string]string{"id": id})
	}
	printer.Success("Guild '%s' created\n", spec.Name)
	printer.Info("  id: %s\n", id)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	format, err := parseOutput(getOutput)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if len(args) == 0 {
		if getAgents {
			return printer.Error("--agents needs a guild id", "Agent state is reported per guild.", []string{"guild get <guild-id> --agents"})
		}
		criteria, err := listCriteria(time.Now())
		if err != nil {
			return printer.Error("invalid filter", err.Error(), nil)
		}
		guilds, err := c.List(ctx)
		if err != nil {
			return apiFailure("list guilds", err)
		}
		guilds = criteria.Apply(guilds)
		if format == watch.OutputFormatJSON {
			return output.JSONL(os.Stdout, guilds)
		}
		_, err = output.GuildTable(os.Stdout, guilds, time.Now())
		return err
	}

	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if getAgents {
		states, err := c.Agents(ctx, id)
		if err != nil {
			return apiFailure("get agents", err)
		}
		if format == watch.OutputFormatJSON {
			return output.JSONL(os.Stdout, states)
		}
		return output.AgentTable(os.Stdout, states)
	}

	spec, err := c.Get(ctx, id)
	if err != nil {
		return apiFailure("get guild", err)
	}
	return output.SingleJSON(os.Stdout, spec)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status := args[1]
	if _, err := guild.ParseStatus(status); err != nil {
		return printer.Error("invalid status", err.Error(), []string{"Valid statuses: active, stopped, archived"})
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	spec, err := c.UpdateStatus(ctx, id, status)
	if err != nil {
		return apiFailure("update status", err)
	}
	printer.Success("Guild '%s' is now %s\n", spec.Name, spec.Status)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, id); err != nil {
		return apiFailure("delete guild", err)
	}
	printer.Success("Guild %s deleted\n", id)
	return nil
}

// listCriteria builds the listing filter from the get flags.
func listCriteria(now time.Time) (*filter.Criteria, error) {
	since, until, err := timespec.ParseRange(getSince, getUntil, now)
	if err != nil {
		return nil, err
	}
	c := &filter.Criteria{
		Status:   guild.Status(getStatus),
		NameGlob: getName,
		Backend:  getBackend,
		SinceMs:  since,
		UntilMs:  until,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
