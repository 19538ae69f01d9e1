// Package filter selects guilds from a listing.
package filter

import (
	"path/filepath"

	"github.com/dyluth/guild/pkg/guild"
)

// Criteria are ANDed together. Zero values match everything.
type Criteria struct {
	Status   guild.Status
	NameGlob string // filepath.Match pattern on the guild name
	Backend  string // messaging backend name
	SinceMs  int64  // last update at or after, Unix milliseconds
	UntilMs  int64  // last update at or before, Unix milliseconds
}

// Matches reports whether spec passes every criterion.
func (c *Criteria) Matches(spec *guild.GuildSpec) bool {
	if c.Status != "" && spec.Status != c.Status {
		return false
	}

	if c.NameGlob != "" {
		matched, err := filepath.Match(c.NameGlob, spec.Name)
		if err != nil || !matched {
			return false
		}
	}

	if c.Backend != "" && (spec.Messaging == nil || spec.Messaging.Backend != c.Backend) {
		return false
	}

	updated := spec.UpdatedAtMs
	if updated == 0 {
		updated = spec.CreatedAtMs
	}
	if c.SinceMs > 0 && updated < c.SinceMs {
		return false
	}
	if c.UntilMs > 0 && updated > c.UntilMs {
		return false
	}
	return true
}

// HasFilters reports whether any criterion is set.
func (c *Criteria) HasFilters() bool {
	return c.Status != "" || c.NameGlob != "" || c.Backend != "" || c.SinceMs > 0 || c.UntilMs > 0
}

// Apply returns the guilds matching c, preserving order.
func (c *Criteria) Apply(specs []*guild.GuildSpec) []*guild.GuildSpec {
	if !c.HasFilters() {
		return specs
	}
	out := make([]*guild.GuildSpec, 0, len(specs))
	for _, s := range specs {
		if c.Matches(s) {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the glob pattern and status.
func (c *Criteria) Validate() error {
	if c.Status != "" {
		if _, err := guild.ParseStatus(string(c.Status)); err != nil {
			return err
		}
	}
	if c.NameGlob != "" {
		if _, err := filepath.Match(c.NameGlob, ""); err != nil {
			return &guild.ValidationError{Field: "name", Reason: "invalid glob pattern: " + err.Error()}
		}
	}
	return nil
}
