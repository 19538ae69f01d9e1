// Package environment manages local guild environments: a Docker network and a Redis
// container that guildd and guild watch can share.
package environment

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	dockerpkg "github.com/dyluth/guild/internal/docker"
)

const (
	defaultPrefix = "default-"
	maxNameLength = 63 // DNS label limit
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName checks name is usable as a DNS label, since it ends up in container and
// network names.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("environment name cannot be empty")
	case len(name) > maxNameLength:
		return fmt.Errorf("environment name too long: %d characters (max: %d)", len(name), maxNameLength)
	case !namePattern.MatchString(name):
		return fmt.Errorf("invalid environment name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// NextDefaultName returns default-N with N one above the highest existing default-N.
func NextDefaultName(existing []string) string {
	n := 0
	for _, name := range existing {
		suffix, ok := strings.CutPrefix(name, defaultPrefix)
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(suffix); err == nil && v > n {
			n = v
		}
	}
	return defaultPrefix + strconv.Itoa(n+1)
}

// labelled builds a container filter matching every key=value pair given.
func labelled(kv ...string) filters.Args {
	args := filters.NewArgs()
	for i := 0; i+1 < len(kv); i += 2 {
		args.Add("label", kv[i]+"="+kv[i+1])
	}
	return args
}

// GenerateDefaultName picks the next default-N name not used by any guild container.
func GenerateDefaultName(ctx context.Context, cli ContainerLister) (string, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelled(dockerpkg.LabelProject, "true"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Labels[dockerpkg.LabelEnvName])
	}
	return NextDefaultName(names), nil
}

// CheckNameCollision reports whether any container already belongs to envName.
func CheckNameCollision(ctx context.Context, cli ContainerLister, envName string) (bool, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelled(dockerpkg.LabelEnvName, envName),
	})
	if err != nil {
		return false, fmt.Errorf("failed to check for name collision: %w", err)
	}
	return len(containers) > 0, nil
}
