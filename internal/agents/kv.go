package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/dependency"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// KV formats.
const (
	FormatKVRequest  = "kv_request"
	FormatKVResponse = "kv_response"
)

// KV operations.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpList   = "list"
)

// KVStoreDependency is the capability the kv agent requires.
const KVStoreDependency = "store"

// KVRequest is one operation on the agent's store.
type KVRequest struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// KVResponse answers a KVRequest.
type KVResponse struct {
	Op    string   `json:"op"`
	Key   string   `json:"key,omitempty"`
	Value string   `json:"value,omitempty"`
	Found bool     `json:"found"`
	Keys  []string `json:"keys,omitempty"`
}

// KV serves get/set/delete/list requests against the "store" dependency.
type KV struct {
	store dependency.KV
}

// NewKV is the kv agent factory. It takes no properties.
func NewKV(spec guild.AgentSpec) (runtime.Agent, error) {
	if err := config.DecodeStrict(spec.Properties, &struct{}{}); err != nil {
		return nil, err
	}
	return &KV{}, nil
}

// Start fails the agent when the store dependency is missing.
func (k *KV) Start(ctx *runtime.Context) error {
	dep, ok := ctx.Dependency(KVStoreDependency)
	if !ok {
		return fmt.Errorf("kv agent requires a %q dependency", KVStoreDependency)
	}
	kv, ok := dep.(dependency.KV)
	if !ok {
		return fmt.Errorf("dependency %s is %T, not a key/value store", KVStoreDependency, dep)
	}
	k.store = kv
	return nil
}

func (k *KV) HandleMessage(ctx *runtime.Context, env *message.Envelope) error {
	if env.Format != FormatKVRequest {
		return nil
	}
	var req KVRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	resp, err := k.apply(ctx.Context(), req)
	if err != nil {
		return err
	}
	_, err = ctx.Reply(env, FormatKVResponse, resp)
	return err
}

func (k *KV) apply(ctx context.Context, req KVRequest) (KVResponse, error) {
	resp := KVResponse{Op: req.Op, Key: req.Key}
	if req.Op != OpList && req.Key == "" {
		return resp, fmt.Errorf("%s needs a key", req.Op)
	}

	switch req.Op {
	case OpGet:
		v, err := k.store.Get(ctx, req.Key)
		if errors.Is(err, dependency.ErrKeyNotFound) {
			return resp, nil
		}
		if err != nil {
			return resp, err
		}
		resp.Value, resp.Found = v, true
	case OpSet:
		if err := k.store.Set(ctx, req.Key, req.Value); err != nil {
			return resp, err
		}
		resp.Value, resp.Found = req.Value, true
	case OpDelete:
		if err := k.store.Delete(ctx, req.Key); err != nil {
			return resp, err
		}
	case OpList:
		keys, err := k.store.Keys(ctx)
		if err != nil {
			return resp, err
		}
		resp.Keys, resp.Found = keys, true
	default:
		return resp, fmt.Errorf("unknown kv op: %q", req.Op)
	}
	return resp, nil
}
