package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/messaging"
	"github.com/dyluth/guild/internal/printer"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// observerTag identifies this CLI process as a subscriber.
func observerTag() message.AgentTag {
	return message.AgentTag{ID: "guild-cli-" + uuid.NewString()[:8], Name: "guild cli"}
}

// connectBackend attaches to the redis messaging backend of a guild. urlOverride
// replaces the configured url, for when the daemon reaches Redis by another address.
func connectBackend(ctx context.Context, spec *guild.GuildSpec, urlOverride string) (*messaging.Redis, func(), error) {
	if spec.Messaging == nil || spec.Messaging.Backend != messaging.RedisBackendName {
		backend := "-"
		if spec.Messaging != nil {
			backend = spec.Messaging.Backend
		}
		return nil, nil, printer.ErrorWithContext(
			"guild messages are not observable",
			"Only guilds using the redis messaging backend can be watched from outside guildd.",
			map[string]string{"Guild": spec.ID, "Backend": backend},
			[]string{"Set messaging.backend: redis in the guild spec"},
		)
	}

	raw := make(map[string]any, len(spec.Messaging.Config)+1)
	for k, v := range spec.Messaging.Config {
		raw[k] = v
	}
	if urlOverride != "" {
		raw["url"] = urlOverride
	}
	cfg, err := messaging.ParseRedisConfig(raw)
	if err != nil {
		return nil, nil, printer.Error("invalid messaging config", err.Error(), nil)
	}

	backend, err := messaging.NewRedis(cfg, messaging.Options{GuildID: spec.ID, Logger: zerolog.Nop()})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		backend.Shutdown(shutdownCtx)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		closeFn()
		return nil, nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.URL),
			map[string]string{"Error": err.Error()},
			[]string{"Override the address this CLI uses:\n  --redis-url redis://localhost:6379"},
		)
	}
	return backend, closeFn, nil
}
