package environment

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"

	dockerpkg "github.com/dyluth/guild/internal/docker"
)

// ContainerLister is the part of the Docker API the read-only helpers need.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// UpOptions configures a new environment.
type UpOptions struct {
	Name  string
	Image string
	// BasePort is the first host port tried for Redis. Zero means DefaultBasePort.
	BasePort int
	// Progress receives one line per completed step. May be nil.
	Progress func(format string, a ...any)
}

// Up creates the network and Redis container of a new environment and waits until
// Redis answers. On failure everything created so far is removed again.
func Up(ctx context.Context, cli *client.Client, opts UpOptions) (Info, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(string, ...any) {}
	}

	if err := ValidateName(opts.Name); err != nil {
		return Info{}, err
	}
	collision, err := CheckNameCollision(ctx, cli, opts.Name)
	if err != nil {
		return Info{}, err
	}
	if collision {
		return Info{}, fmt.Errorf("environment '%s' already exists", opts.Name)
	}

	runID := dockerpkg.GenerateRunID()
	info, err := create(ctx, cli, opts, runID, progress)
	if err != nil {
		progress("Resource creation failed. Rolling back...")
		if rollbackErr := Down(ctx, cli, opts.Name, progress); rollbackErr != nil {
			progress("Warning: rollback encountered errors: %v", rollbackErr)
		}
		return Info{}, err
	}
	return info, nil
}

func create(ctx context.Context, cli *client.Client, opts UpOptions, runID string, progress func(string, ...any)) (Info, error) {
	// Step 1: Allocate Redis port
	port, err := FindNextAvailablePort(ctx, cli, RangeFrom(opts.BasePort))
	if err != nil {
		return Info{}, fmt.Errorf("failed to allocate Redis port: %w", err)
	}
	progress("Allocated Redis port: %d", port)

	// Step 2: Create isolated network
	networkName := dockerpkg.NetworkName(opts.Name)
	if _, err := cli.NetworkCreate(ctx, networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: dockerpkg.BuildLabels(opts.Name, runID, dockerpkg.ComponentNetwork),
	}); err != nil {
		return Info{}, fmt.Errorf("failed to create network '%s': %w", networkName, err)
	}
	progress("Created network: %s", networkName)

	// Step 3: Pull the image when it is not present
	if _, _, err := cli.ImageInspectWithRaw(ctx, opts.Image); client.IsErrNotFound(err) {
		progress("Pulling %s...", opts.Image)
		rc, err := cli.ImagePull(ctx, opts.Image, types.ImagePullOptions{})
		if err != nil {
			return Info{}, fmt.Errorf("failed to pull %s: %w", opts.Image, err)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
	}

	// Step 4: Start Redis with its port published on loopback
	redisName := dockerpkg.RedisContainerName(opts.Name)
	labels := dockerpkg.BuildLabels(opts.Name, runID, dockerpkg.ComponentRedis)
	labels[dockerpkg.LabelRedisPort] = strconv.Itoa(port)

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        opts.Image,
		Labels:       labels,
		ExposedPorts: nat.PortSet{"6379/tcp": struct{}{}},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
	}, nil, nil, redisName)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create Redis container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Info{}, fmt.Errorf("failed to start Redis container: %w", err)
	}
	progress("Started Redis container: %s (port %d)", redisName, port)

	// Step 5: Wait until Redis answers
	url := dockerpkg.RedisURL(port)
	if err := waitForRedis(ctx, url, 15*time.Second); err != nil {
		return Info{}, err
	}

	return Info{Name: opts.Name, Status: StatusRunning, RedisURL: url, Uptime: "0s"}, nil
}

func waitForRedis(ctx context.Context, url string, timeout time.Duration) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("Redis at %s did not become ready within %s", url, timeout)
		case <-ticker.C:
		}
	}
}

// Down stops and removes every container and network of the environment. It returns an
// error when nothing carries the environment's name.
func Down(ctx context.Context, cli *client.Client, envName string, progress func(string, ...any)) error {
	if progress == nil {
		progress = func(string, ...any) {}
	}
	byName := labelled(dockerpkg.LabelEnvName, envName)

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: byName})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{Filters: byName})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	if len(containers) == 0 && len(networks) == 0 {
		return fmt.Errorf("environment '%s' not found", envName)
	}

	timeout := 10
	for _, c := range containers {
		progress("Stopping %s...", c.Names[0])
		// Already-stopped containers are removed below regardless.
		_ = cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})

		progress("Removing %s...", c.Names[0])
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", c.Names[0], err)
		}
	}

	for _, n := range networks {
		progress("Removing network %s...", n.Name)
		if err := cli.NetworkRemove(ctx, n.ID); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", n.Name, err)
		}
	}
	return nil
}
