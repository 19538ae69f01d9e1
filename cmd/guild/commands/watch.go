package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/watch"
	"github.com/dyluth/guild/pkg/message"
)

var (
	watchTopics       []string
	watchOutputFormat string
	watchRedisURL     string
)

var watchCmd = &cobra.Command{
	Use:   "watch <guild-id>",
	Short: "Stream a guild's messages as they are published",
	Long: `Follow the envelopes published in a running guild.

By default default_topic and guild_status_topic are watched, plus the inbox of
every agent so direct messages show up too. Watching requires the guild to use
the redis messaging backend.

Output Formats:
  default - One line per envelope with time, sender, targets and a summary
  json    - Line-delimited envelopes for programmatic processing

Examples:
  guild watch 3f2a...
  guild watch 3f2a... --topic orders --output=json > orders.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchTopics, "topic", "t", nil, "Topic to watch (repeatable)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", "", "Redis address (default: the guild's messaging url)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	format, err := parseOutput(watchOutputFormat)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := resolveID(ctx, c, args[0])
	if err != nil {
		return err
	}
	spec, err := c.Get(ctx, id)
	if err != nil {
		return apiFailure("get guild", err)
	}

	backend, closeBackend, err := connectBackend(ctx, spec, watchRedisURL)
	if err != nil {
		return err
	}
	defer closeBackend()

	topics := watchTopics
	if len(topics) == 0 {
		topics = []string{message.DefaultTopic, message.GuildStatusTopic}
		for _, tag := range spec.Tags() {
			topics = append(topics, message.InboxTopic(tag.ID))
		}
	}

	if format == watch.OutputFormatDefault {
		printer.Detail("Watching guild '%s' on %d topics (Ctrl+C to stop)\n", spec.Name, len(topics))
	}
	return watch.Stream(ctx, backend, topics, observerTag(), watch.NewPrinter(os.Stdout, format))
}
