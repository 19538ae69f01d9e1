// Package apiclient talks to a running guildd over its HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dyluth/guild/internal/api"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
)

// EnvServer overrides the default server address.
const EnvServer = "GUILD_SERVER"

// DefaultServer is used when neither --server nor GUILD_SERVER is set.
const DefaultServer = "http://localhost:8080"

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Kind)
}

// IsKind reports whether err is an API error of the given kind.
func IsKind(err error, kind string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Client is a thin JSON client for the guild API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the server at base, e.g. "http://localhost:8080".
func New(base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server address %q: scheme must be http or https", base)
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Create submits a spec and returns the assigned guild id.
func (c *Client) Create(ctx context.Context, spec *guild.GuildSpec) (string, error) {
	var resp api.CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/guilds", spec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// List returns every guild the server knows.
func (c *Client) List(ctx context.Context) ([]*guild.GuildSpec, error) {
	var specs []*guild.GuildSpec
	if err := c.do(ctx, http.MethodGet, "/api/guilds", nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// Get fetches one guild.
func (c *Client) Get(ctx context.Context, id string) (*guild.GuildSpec, error) {
	var spec guild.GuildSpec
	if err := c.do(ctx, http.MethodGet, guildPath(id), nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// UpdateStatus moves a guild to status and returns the updated spec.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) (*guild.GuildSpec, error) {
	var spec guild.GuildSpec
	if err := c.do(ctx, http.MethodPatch, guildPath(id)+"/status", api.StatusRequest{Status: status}, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Delete removes a guild.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, guildPath(id), nil, nil)
}

// Publish injects an envelope into a running guild.
func (c *Client) Publish(ctx context.Context, id string, req api.PublishRequest) (api.PublishResponse, error) {
	var resp api.PublishResponse
	err := c.do(ctx, http.MethodPost, guildPath(id)+"/messages", req, &resp)
	return resp, err
}

// Agents returns the runtime state of a running guild's agents.
func (c *Client) Agents(ctx context.Context, id string) ([]runtime.AgentState, error) {
	var states []runtime.AgentState
	if err := c.do(ctx, http.MethodGet, guildPath(id)+"/agents", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// AddAgent adds an agent to a guild and returns it with its assigned id.
func (c *Client) AddAgent(ctx context.Context, id string, agent *guild.AgentSpec) (*guild.AgentSpec, error) {
	var added guild.AgentSpec
	if err := c.do(ctx, http.MethodPost, guildPath(id)+"/agents", agent, &added); err != nil {
		return nil, err
	}
	return &added, nil
}

// GetAgent fetches the persisted spec of one agent.
func (c *Client) GetAgent(ctx context.Context, id, agentID string) (*guild.AgentSpec, error) {
	var agent guild.AgentSpec
	if err := c.do(ctx, http.MethodGet, agentPath(id, agentID), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// RemoveAgent removes an agent from a guild.
func (c *Client) RemoveAgent(ctx context.Context, id, agentID string) error {
	return c.do(ctx, http.MethodDelete, agentPath(id, agentID), nil, nil)
}

// Health returns the daemon health. An unhealthy daemon yields both the body and an
// error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var health api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &health)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return health, fmt.Errorf("daemon unhealthy: %s", health.Error)
	}
	return health, err
}

func guildPath(id string) string {
	return "/api/guilds/" + url.PathEscape(id)
}

func agentPath(id, agentID string) string {
	return guildPath(id) + "/agents/" + url.PathEscape(agentID)
}

// do sends body as JSON and decodes a 2xx response into out. For 503 responses the
// body is still decoded into out so callers can report it.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach guildd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(data, out)
		}
		apiErr := &Error{StatusCode: resp.StatusCode}
		var body api.ErrorResponse
		if json.Unmarshal(data, &body) == nil {
			apiErr.Kind = body.Kind
			apiErr.Message = body.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
