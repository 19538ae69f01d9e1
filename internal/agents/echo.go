package agents

import (
	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// EchoConfig is the typed properties of the echo agent.
type EchoConfig struct {
	Prefix string `yaml:"prefix"`
}

// Echo replies to every message with the same payload. Text payloads get Prefix.
type Echo struct {
	cfg EchoConfig
}

// NewEcho is the echo agent factory.
func NewEcho(spec guild.AgentSpec) (runtime.Agent, error) {
	var cfg EchoConfig
	if err := config.DecodeStrict(spec.Properties, &cfg); err != nil {
		return nil, err
	}
	return &Echo{cfg: cfg}, nil
}

func (e *Echo) HandleMessage(ctx *runtime.Context, env *message.Envelope) error {
	switch env.Format {
	case message.FormatStatusChange:
		return nil
	case message.FormatText:
		var text message.TextFormat
		if err := env.Decode(&text); err != nil {
			return err
		}
		text.Text = e.cfg.Prefix + text.Text
		_, err := ctx.Reply(env, message.FormatText, text)
		return err
	default:
		_, err := ctx.Reply(env, env.Format, env.Payload)
		return err
	}
}
