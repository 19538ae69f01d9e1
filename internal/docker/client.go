// Package docker holds the Docker client setup and the label scheme shared by every
// resource `guild up` creates.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/client"
)

// ErrDaemonUnavailable is returned when the Docker daemon does not answer a ping.
var ErrDaemonUnavailable = errors.New("docker daemon not accessible")

const pingTimeout = 5 * time.Second

// NewClient connects to the daemon named by the DOCKER_* environment and pings it.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %v (start Docker Desktop, or `sudo systemctl start docker` on Linux)", ErrDaemonUnavailable, err)
	}
	return cli, nil
}

// RedisURL returns the URL a process on this machine uses to reach a Redis published on
// port. Inside a container that is the host gateway rather than localhost.
func RedisURL(port int) string {
	host := "localhost"
	if _, err := os.Stat("/.dockerenv"); err == nil {
		host = "host.docker.internal"
	}
	return fmt.Sprintf("redis://%s:%d", host, port)
}
