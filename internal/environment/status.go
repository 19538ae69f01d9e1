package environment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/dyluth/guild/internal/docker"
)

// Status is the aggregate container state of an environment.
type Status string

const (
	StatusRunning  Status = "Running"  // every container up
	StatusDegraded Status = "Degraded" // some containers up
	StatusStopped  Status = "Stopped"  // nothing up, or no containers at all
)

// DetermineStatus folds container states into one environment Status.
func DetermineStatus(containers []types.Container) Status {
	up := 0
	for _, c := range containers {
		if c.State == "running" {
			up++
		}
	}
	switch {
	case up == 0:
		return StatusStopped
	case up < len(containers):
		return StatusDegraded
	}
	return StatusRunning
}

// Info describes one environment
type Info struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	RedisURL string `json:"redis_url,omitempty"`
	Uptime   string `json:"uptime"`
}

// List returns every environment, sorted by name.
func List(ctx context.Context, cli ContainerLister) ([]Info, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelled(dockerpkg.LabelProject, "true"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return summarize(containers, time.Now()), nil
}

func summarize(containers []types.Container, now time.Time) []Info {
	byEnv := make(map[string][]types.Container)
	for _, c := range containers {
		name := c.Labels[dockerpkg.LabelEnvName]
		byEnv[name] = append(byEnv[name], c)
	}

	infos := make([]Info, 0, len(byEnv))
	for name, cs := range byEnv {
		info := Info{Name: name, Status: DetermineStatus(cs), Uptime: "-"}
		var oldest int64
		for _, c := range cs {
			if portStr, ok := c.Labels[dockerpkg.LabelRedisPort]; ok {
				if port, err := strconv.Atoi(portStr); err == nil {
					info.RedisURL = dockerpkg.RedisURL(port)
				}
			}
			if oldest == 0 || c.Created < oldest {
				oldest = c.Created
			}
		}
		if info.Status != StatusStopped && oldest > 0 {
			info.Uptime = now.Sub(time.Unix(oldest, 0)).Round(time.Second).String()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RedisPort returns the host port of an environment's Redis from its labels.
func RedisPort(ctx context.Context, cli ContainerLister, envName string) (int, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: labelled(
			dockerpkg.LabelEnvName, envName,
			dockerpkg.LabelComponent, dockerpkg.ComponentRedis,
		),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for environment '%s'", envName)
	}

	portStr, ok := containers[0].Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for environment '%s'", envName)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}
	return port, nil
}
