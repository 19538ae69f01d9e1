package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/guild/pkg/guild"
)

const (
	defaultPrefix  = "guild"
	maxTxnAttempts = 5
)

// Redis keeps each guild in a hash at {prefix}:{id} and every id in the set
// {prefix}:index.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps client. The store owns the client and closes it in Close.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{rdb: client, prefix: prefix}
}

// GuildKey returns the hash key of a guild.
func (r *Redis) GuildKey(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

// IndexKey returns the key of the set of guild ids.
func (r *Redis) IndexKey() string {
	return r.prefix + ":index"
}

func (r *Redis) Create(ctx context.Context, spec *guild.GuildSpec) error {
	hash, err := SpecToHash(spec)
	if err != nil {
		return err
	}
	key := r.GuildKey(spec.ID)

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check guild existence: %w", err)
		}
		if exists > 0 {
			return &guild.ConflictError{ID: spec.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.SAdd(ctx, r.IndexKey(), spec.ID)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer created the key between WATCH and EXEC
		return &guild.ConflictError{ID: spec.ID}
	}
	if err != nil {
		if guild.IsConflict(err) {
			return err
		}
		return fmt.Errorf("failed to write guild to Redis: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*guild.GuildSpec, error) {
	hash, err := r.rdb.HGetAll(ctx, r.GuildKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read guild from Redis: %w", err)
	}
	// HGetAll returns an empty map for missing keys
	if len(hash) == 0 {
		return nil, &guild.NotFoundError{ID: id}
	}
	return HashToSpec(hash)
}

func (r *Redis) UpdateStatus(ctx context.Context, id string, status guild.Status, atMs int64) (*guild.GuildSpec, error) {
	key := r.GuildKey(id)
	var updated *guild.GuildSpec

	update := func(tx *redis.Tx) error {
		hash, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read guild from Redis: %w", err)
		}
		if len(hash) == 0 {
			return &guild.NotFoundError{ID: id}
		}
		spec, err := HashToSpec(hash)
		if err != nil {
			return err
		}
		spec.Status = status
		spec.UpdatedAtMs = atMs

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(status), fieldUpdatedAtMs, atMs)
			return nil
		})
		if err != nil {
			return err
		}
		updated = spec
		return nil
	}

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err := r.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if guild.IsNotFound(err) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to update guild status: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update guild status: too much contention on %s", id)
}

func (r *Redis) AddAgent(ctx context.Context, id string, agent guild.AgentSpec, atMs int64) (*guild.GuildSpec, error) {
	return r.rewrite(ctx, id, atMs, func(spec *guild.GuildSpec) error { return addAgent(spec, agent) })
}

func (r *Redis) RemoveAgent(ctx context.Context, id, agentID string, atMs int64) (*guild.GuildSpec, error) {
	return r.rewrite(ctx, id, atMs, func(spec *guild.GuildSpec) error { return removeAgent(spec, agentID) })
}

// rewrite applies fn to the stored spec and writes the whole hash back under WATCH.
func (r *Redis) rewrite(ctx context.Context, id string, atMs int64, fn func(*guild.GuildSpec) error) (*guild.GuildSpec, error) {
	key := r.GuildKey(id)
	var updated *guild.GuildSpec

	update := func(tx *redis.Tx) error {
		hash, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read guild from Redis: %w", err)
		}
		if len(hash) == 0 {
			return &guild.NotFoundError{ID: id}
		}
		spec, err := HashToSpec(hash)
		if err != nil {
			return err
		}
		if err := fn(spec); err != nil {
			return err
		}
		spec.UpdatedAtMs = atMs
		fields, err := SpecToHash(spec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err != nil {
			return err
		}
		updated = spec
		return nil
	}

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err := r.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if guild.IsNotFound(err) || guild.IsConflict(err) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to update guild: %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update guild: too much contention on %s", id)
}

func (r *Redis) List(ctx context.Context) ([]*guild.GuildSpec, error) {
	ids, err := r.rdb.SMembers(ctx, r.IndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read guild index: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.GuildKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read guilds from Redis: %w", err)
	}

	specs := make([]*guild.GuildSpec, 0, len(ids))
	for _, cmd := range cmds {
		hash := cmd.Val()
		// Index entries can outlive a hash removed by hand
		if len(hash) == 0 {
			continue
		}
		spec, err := HashToSpec(hash)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	sortSpecs(specs)
	return specs, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.GuildKey(id))
		pipe.SRem(ctx, r.IndexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete guild: %w", err)
	}
	if del.Val() == 0 {
		return &guild.NotFoundError{ID: id}
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
