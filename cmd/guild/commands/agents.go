package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/output"
	"github.com/dyluth/guild/internal/printer"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Add, show or remove agents of a guild",
}

var agentAddCmd = &cobra.Command{
	Use:   "add <guild-id> <agent-file>",
	Short: "Add an agent from a YAML or JSON file",
	Long: `Add one agent to a guild. A running guild starts the agent straight away;
otherwise it starts with the guild.`,
	Args: cobra.ExactArgs(2),
	RunE: runAgentAdd,
}

var agentGetCmd = &cobra.Command{
	Use:   "get <guild-id> <agent-id>",
	Short: "Show the spec of one agent as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentGet,
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <guild-id> <agent-id>",
	Short: "Stop and remove one agent",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentRemove,
}

func init() {
	agentCmd.AddCommand(agentAddCmd, agentGetCmd, agentRemoveCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	agent, err := config.LoadAgentSpec(args[1])
	if err != nil {
		return printer.ErrorWithContext("agent spec is invalid", err.Error(), map[string]string{"File": args[1]}, nil)
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
	added, err := c.AddAgent(ctx, id, agent)
	if err != nil {
		return apiFailure("add agent", err)
	}
	printer.Success("Agent '%s' added\n", added.Name)
	printer.Info("  id: %s\n", added.ID)
	return nil
}

func runAgentGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	agent, err := c.GetAgent(ctx, id, args[1])
	if err != nil {
		return apiFailure("get agent", err)
	}
	return output.SingleJSON(os.Stdout, agent)
}

func runAgentRemove(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	if err := c.RemoveAgent(ctx, id, args[1]); err != nil {
		return apiFailure("remove agent", err)
	}
	printer.Success("Agent %s removed from guild %s\n", args[1], id)
	return nil
}
