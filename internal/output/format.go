// Package output renders guilds and agents for the guild CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/dyluth/guild/internal/environment"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
)

// GuildTable writes guilds as a table and returns how many rows were written.
func GuildTable(w io.Writer, guilds []*guild.GuildSpec, now time.Time) (int, error) {
	if len(guilds) == 0 {
		fmt.Fprintln(w, "No guilds found")
		return 0, nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Status", "Agents", "Backend", "Updated")
	for _, g := range guilds {
		backend := "-"
		if g.Messaging != nil && g.Messaging.Backend != "" {
			backend = g.Messaging.Backend
		}
		updated := g.UpdatedAtMs
		if updated == 0 {
			updated = g.CreatedAtMs
		}
		if err := table.Append(
			formatID(g.ID),
			truncate(g.Name, 24),
			string(g.Status),
			fmt.Sprintf("%d", len(g.Agents)),
			backend,
			formatAge(updated, now),
		); err != nil {
			return 0, fmt.Errorf("failed to add table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return 0, fmt.Errorf("failed to render table: %w", err)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(guilds), plural(len(guilds), "guild", "guilds"))
	return len(guilds), nil
}

// AgentTable writes the runtime state of a guild's agents.
func AgentTable(w io.Writer, agents []runtime.AgentState) error {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents running")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Implementation", "State", "Topics", "Error")
	for _, a := range agents {
		errText := a.Error
		if errText == "" {
			errText = "-"
		}
		if err := table.Append(
			a.ID,
			a.Name,
			a.Implementation,
			a.State,
			strings.Join(a.Topics, ","),
			truncate(errText, 40),
		); err != nil {
			return fmt.Errorf("failed to add table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// EnvironmentTable writes local environments started by `guild up`.
func EnvironmentTable(w io.Writer, envs []environment.Info) error {
	if len(envs) == 0 {
		fmt.Fprintln(w, "No environments found")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Status", "Redis", "Uptime")
	for _, e := range envs {
		redisURL := e.RedisURL
		if redisURL == "" {
			redisURL = "-"
		}
		if err := table.Append(e.Name, string(e.Status), redisURL, e.Uptime); err != nil {
			return fmt.Errorf("failed to add table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// JSONL writes each item as one line of compact JSON.
func JSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// SingleJSON writes v as indented JSON followed by a newline.
func SingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatID shortens UUIDs to their first 8 characters. Shorter ids are shown whole.
func formatID(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// formatAge renders a Unix millisecond timestamp relative to now, e.g. "2m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
