package execution

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// invoke runs handler, converting an error or panic into a reported HandlerExecutionError.
// It reports whether the handler succeeded.
func invoke(ctx context.Context, engine string, opts Options, agentID string, handler Handler, env *message.Envelope) bool {
	panicked, stack, err := call(ctx, handler, env)
	if err == nil {
		return true
	}

	herr := &guild.HandlerExecutionError{
		AgentID:    agentID,
		EnvelopeID: env.ID,
		Panic:      panicked,
		Err:        err,
	}

	event := observability.Event(opts.Logger.Error(), "handler_failed").
		Str("guild_id", opts.GuildID).
		Str("engine", engine).
		Str("agent_id", agentID).
		Stringer("envelope_id", env.ID).
		Bool("panic", panicked).
		Err(err)
	if panicked {
		event = event.Str("stack", stack)
	}
	event.Msg("agent handler failed")

	opts.Metrics.RecordHandlerFailure(engine, panicked)
	if opts.OnHandlerError != nil {
		opts.OnHandlerError(herr)
	}
	return false
}

func call(ctx context.Context, handler Handler, env *message.Envelope) (panicked bool, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
			panicked = true
			stack = string(debug.Stack())
		}
	}()
	return false, "", handler(ctx, env)
}
