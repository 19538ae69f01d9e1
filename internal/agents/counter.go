package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/dependency"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// Counter formats.
const (
	FormatCounterRequest  = "counter_request"
	FormatCounterResponse = "counter_response"
)

// Counter actions.
const (
	ActionIncrement = "increment"
	ActionDecrement = "decrement"
	ActionReset     = "reset"
	ActionGet       = "get"
)

// CounterStoreDependency is the optional KV capability counters are kept in. Without
// it counters live in the agent's memory.
const CounterStoreDependency = "counter_store"

const defaultCounterName = "default"

// CounterRequest manipulates a named counter.
type CounterRequest struct {
	Action      string `json:"action"`
	CounterName string `json:"counter_name,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
}

// CounterResponse reports a counter after a request.
type CounterResponse struct {
	CounterName   string `json:"counter_name"`
	Value         int64  `json:"value"`
	PreviousValue *int64 `json:"previous_value,omitempty"`
	Action        string `json:"action"`
}

// Counter keeps named counters.
type Counter struct {
	store dependency.KV
}

// NewCounter is the counter agent factory. It takes no properties.
func NewCounter(spec guild.AgentSpec) (runtime.Agent, error) {
	if err := config.DecodeStrict(spec.Properties, &struct{}{}); err != nil {
		return nil, err
	}
	return &Counter{}, nil
}

// Start picks the counter store.
func (c *Counter) Start(ctx *runtime.Context) error {
	dep, ok := ctx.Dependency(CounterStoreDependency)
	if !ok {
		c.store = dependency.NewMemoryKV()
		return nil
	}
	kv, ok := dep.(dependency.KV)
	if !ok {
		return fmt.Errorf("dependency %s is %T, not a key/value store", CounterStoreDependency, dep)
	}
	c.store = kv
	return nil
}

func (c *Counter) HandleMessage(ctx *runtime.Context, env *message.Envelope) error {
	if env.Format != FormatCounterRequest {
		return nil
	}
	var req CounterRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.CounterName == "" {
		req.CounterName = defaultCounterName
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	resp, err := c.apply(ctx.Context(), req)
	if err != nil {
		return err
	}
	_, err = ctx.Reply(env, FormatCounterResponse, resp)
	return err
}

// apply runs one request against the store. Every mutation is a single atomic store
// operation, so counters shared through a guild-scoped store stay exact.
func (c *Counter) apply(ctx context.Context, req CounterRequest) (CounterResponse, error) {
	resp := CounterResponse{CounterName: req.CounterName, Action: req.Action}

	var delta int64
	switch req.Action {
	case ActionGet:
		v, err := c.value(ctx, req.CounterName)
		if err != nil {
			return CounterResponse{}, err
		}
		resp.Value = v
		return resp, nil
	case ActionIncrement:
		delta = req.Amount
	case ActionDecrement:
		delta = -req.Amount
	case ActionReset:
		old, ok, err := c.store.Swap(ctx, req.CounterName, "0")
		if err != nil {
			return CounterResponse{}, err
		}
		previous, err := parseCounter(req.CounterName, old, ok)
		if err != nil {
			return CounterResponse{}, err
		}
		resp.PreviousValue = &previous
		return resp, nil
	default:
		return CounterResponse{}, fmt.Errorf("unknown counter action: %q", req.Action)
	}

	next, err := c.store.IncrBy(ctx, req.CounterName, delta)
	if err != nil {
		return CounterResponse{}, err
	}
	previous := next - delta
	resp.PreviousValue = &previous
	resp.Value = next
	return resp, nil
}

func (c *Counter) value(ctx context.Context, name string) (int64, error) {
	v, err := c.store.Get(ctx, name)
	if errors.Is(err, dependency.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseCounter(name, v, true)
}

func parseCounter(name, v string, ok bool) (int64, error) {
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds %q", name, v)
	}
	return n, nil
}
