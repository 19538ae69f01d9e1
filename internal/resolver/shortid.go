// Package resolver expands the short guild ids shown in tables into full ids.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/guild/pkg/guild"
)

// MinShortIDLength is the shortest prefix accepted for a guild id.
const MinShortIDLength = 6

// GuildLister lists the guilds known to a daemon.
type GuildLister interface {
	List(ctx context.Context) ([]*guild.GuildSpec, error)
}

// ResolveGuildID maps input to exactly one guild id. An exact id match always wins,
// which keeps short hand-chosen ids like "alpha" usable. Otherwise input must be a
// prefix of at least MinShortIDLength characters matching exactly one guild.
func ResolveGuildID(ctx context.Context, lister GuildLister, input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("guild id cannot be empty")
	}

	specs, err := lister.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list guilds: %w", err)
	}

	var matches []string
	for _, s := range specs {
		if s.ID == input {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, input) {
			matches = append(matches, s.ID)
		}
	}

	if len(input) < MinShortIDLength {
		if len(matches) == 0 {
			return "", &NotFoundError{ShortID: input}
		}
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(input))
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: input}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{ShortID: input, Matches: matches}
	}
}

// NotFoundError indicates no guild matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no guilds found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several guilds matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d guilds", e.ShortID, len(e.Matches))
}

// Describe lists up to 10 of the matching ids for display.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "'%s' matches %d guilds:\n", e.ShortID, len(e.Matches))
	for i, m := range e.Matches {
		if i == 10 {
			fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-10)
			break
		}
		fmt.Fprintf(&b, "  %s\n", m)
	}
	b.WriteString("\nUse a longer prefix to identify the guild.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
