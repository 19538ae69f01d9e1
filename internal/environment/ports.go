package environment

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/dyluth/guild/internal/docker"
)

// DefaultBasePort is the first host port tried for an environment's Redis.
const DefaultBasePort = 6379

// portWindow is how many ports above the base are searched.
const portWindow = 100

// PortRange is an inclusive range of host ports.
type PortRange struct {
	First, Last int
}

// RangeFrom returns the search window starting at base, or at DefaultBasePort when base
// is not a usable port.
func RangeFrom(base int) PortRange {
	if base <= 0 || base+portWindow-1 > 65535 {
		base = DefaultBasePort
	}
	return PortRange{First: base, Last: base + portWindow - 1}
}

// FindNextAvailablePort returns the lowest port in r that no environment has claimed
// in its labels and that can currently be bound on the host.
func FindNextAvailablePort(ctx context.Context, cli ContainerLister, r PortRange) (int, error) {
	redisContainers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelled(dockerpkg.LabelProject, "true", dockerpkg.LabelComponent, dockerpkg.ComponentRedis),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query Docker containers: %w", err)
	}

	claimed := make(map[int]bool, len(redisContainers))
	for _, c := range redisContainers {
		if port, err := strconv.Atoi(c.Labels[dockerpkg.LabelRedisPort]); err == nil {
			claimed[port] = true
		}
	}
	return r.firstFree(claimed, canBind)
}

func (r PortRange) firstFree(claimed map[int]bool, bindable func(int) bool) (int, error) {
	for port := r.First; port <= r.Last; port++ {
		if claimed[port] || !bindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no available Redis ports (range %d-%d exhausted)", r.First, r.Last)
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
