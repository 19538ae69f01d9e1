package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/guild/internal/api"
	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/internal/watch"
	"github.com/dyluth/guild/pkg/message"
)

var (
	publishTopics     []string
	publishTo         []string
	publishPriority   string
	publishFormat     string
	publishPayload    string
	publishSender     string
	publishReplyTo    string
	publishThread     string
	publishWait       bool
	publishTimeout    time.Duration
	publishRedisURL   string
	publishOutputFlag string
)

var publishCmd = &cobra.Command{
	Use:   "publish <guild-id> [text]",
	Short: "Send a message into a running guild",
	Long: `Publish an envelope into a running guild.

The text argument becomes a "text" payload. Use --payload with --format to send
any other JSON payload. Without --topic the envelope goes to default_topic;
--to addresses agents directly instead.

With --wait the command blocks until the first reply arrives. Waiting requires the
guild to use the redis messaging backend.

Examples:
  guild publish 3f2a... "hello"
  guild publish 3f2a... --to counter-1 --format counter_request --payload '{"action":"get"}' --wait`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringSliceVarP(&publishTopics, "topic", "t", nil, "Topic to publish on (repeatable)")
	f.StringSliceVar(&publishTo, "to", nil, "Recipient agent id (repeatable)")
	f.StringVarP(&publishPriority, "priority", "p", "normal", "Priority: urgent, important, high, above_normal, normal, low, very_low or lowest")
	f.StringVarP(&publishFormat, "format", "f", "", "Payload format tag (default \"text\")")
	f.StringVar(&publishPayload, "payload", "", "Raw JSON payload")
	f.StringVar(&publishSender, "sender", "", "Sender id (default: the guild's user tag)")
	f.StringVar(&publishReplyTo, "reply-to", "", "Id of the envelope this one answers")
	f.StringVar(&publishThread, "thread", "", "Thread id for --reply-to (default: looked up from the parent)")
	f.BoolVarP(&publishWait, "wait", "w", false, "Wait for the first reply")
	f.DurationVar(&publishTimeout, "timeout", 30*time.Second, "How long --wait waits")
	f.StringVar(&publishRedisURL, "redis-url", "", "Redis address for --wait (default: the guild's messaging url)")
	f.StringVarP(&publishOutputFlag, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := parseOutput(publishOutputFlag)
	if err != nil {
		return err
	}
	req, err := buildPublishRequest(args[1:])
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

	// sendErr has already been printed when set.
	var sendErr error
	send := func() (message.ID, error) {
		resp, err := c.Publish(ctx, id, req)
		if err != nil {
			sendErr = apiFailure("publish", err)
			return 0, sendErr
		}
		if format == watch.OutputFormatJSON && !publishWait {
			return resp.ID, json.NewEncoder(os.Stdout).Encode(resp)
		}
		if format == watch.OutputFormatDefault {
			printer.Success("Published %s (thread %s)\n", resp.ID, resp.ThreadID)
		}
		return resp.ID, nil
	}

	if !publishWait {
		_, err := send()
		return err
	}

	spec, err := c.Get(ctx, id)
	if err != nil {
		return apiFailure("get guild", err)
	}
	backend, closeBackend, err := connectBackend(ctx, spec, publishRedisURL)
	if err != nil {
		return err
	}
	defer closeBackend()

	topic := message.DefaultTopic
	if len(req.Topics) > 0 {
		topic = req.Topics[0]
	}
	reply, err := watch.WaitForReply(ctx, backend, topic, observerTag(), publishTimeout, send)
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return printer.Error("no reply", err.Error(), []string{"Follow the guild instead:\n  guild watch " + id})
	}
	return watch.NewPrinter(os.Stdout, format).Print(reply)
}

// buildPublishRequest turns flags and the optional text argument into a request.
func buildPublishRequest(rest []string) (api.PublishRequest, error) {
	req := api.PublishRequest{Format: publishFormat, Topics: publishTopics}

	switch {
	case publishPayload != "" && len(rest) > 0:
		return req, printer.Error("conflicting payloads", "Give either a text argument or --payload, not both.", nil)
	case publishPayload != "":
		if !json.Valid([]byte(publishPayload)) {
			return req, printer.Error("invalid payload", "--payload must be valid JSON.", nil)
		}
		req.Payload = json.RawMessage(publishPayload)
	case len(rest) > 0:
		payload, err := message.EncodePayload(message.TextFormat{Text: rest[0]})
		if err != nil {
			return req, err
		}
		req.Payload = payload
		if req.Format == "" {
			req.Format = message.FormatText
		}
	default:
		return req, printer.Error("nothing to publish", "Give a text argument or --payload.", []string{`guild publish <guild-id> "hello"`})
	}

	p, err := message.ParsePriority(publishPriority)
	if err != nil {
		return req, printer.Error("invalid priority", err.Error(), []string{"Valid priorities: urgent, important, high, above_normal, normal, low, very_low, lowest"})
	}
	req.Priority = &p

	for _, to := range publishTo {
		req.RecipientList = append(req.RecipientList, message.AgentTag{ID: to})
	}
	if publishSender != "" {
		req.Sender = &message.AgentTag{ID: publishSender}
	}
	if publishReplyTo != "" {
		parent, err := message.ParseID(publishReplyTo)
		if err != nil {
			return req, printer.Error("invalid --reply-to", err.Error(), nil)
		}
		req.InResponseTo = parent
	}
	if publishThread != "" {
		thread, err := message.ParseID(publishThread)
		if err != nil {
			return req, printer.Error("invalid --thread", err.Error(), nil)
		}
		req.ThreadID = thread
	}
	return req, nil
}
