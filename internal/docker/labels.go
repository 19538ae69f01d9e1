package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for guild-managed Docker resources
const (
	LabelProject     = "guild.project"
	LabelEnvName     = "guild.env.name"
	LabelEnvRunID    = "guild.env.run_id"
	LabelComponent   = "guild.component"
	LabelRedisPort   = "guild.redis.port"
	ComponentRedis   = "redis"
	ComponentNetwork = "network"
)

// BuildLabels creates the standard label set for one environment's resources.
// component may be empty.
func BuildLabels(envName, runID, component string) map[string]string {
	labels := map[string]string{
		LabelProject:  "true",
		LabelEnvName:  envName,
		LabelEnvRunID: runID,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an environment run.
// Each invocation of `guild up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// NetworkName returns the Docker network name for an environment
func NetworkName(envName string) string {
	return fmt.Sprintf("guild-network-%s", envName)
}

// RedisContainerName returns the Redis container name for an environment
func RedisContainerName(envName string) string {
	return fmt.Sprintf("guild-redis-%s", envName)
}
