package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/guild/pkg/guild"
)

// Hash fields. The full spec is JSON encoded in "spec"; status and timestamps are kept
// in their own fields so they can be read and updated without decoding it.
const (
	fieldID          = "id"
	fieldName        = "name"
	fieldStatus      = "status"
	fieldSpec        = "spec"
	fieldCreatedAtMs = "created_at_ms"
	fieldUpdatedAtMs = "updated_at_ms"
)

// SpecToHash converts a guild spec to its Redis hash form.
func SpecToHash(spec *guild.GuildSpec) (map[string]interface{}, error) {
	body := spec.Clone()
	body.Status = ""
	body.CreatedAtMs = 0
	body.UpdatedAtMs = 0
	specJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guild spec: %w", err)
	}

	return map[string]interface{}{
		fieldID:          spec.ID,
		fieldName:        spec.Name,
		fieldStatus:      string(spec.Status),
		fieldSpec:        string(specJSON),
		fieldCreatedAtMs: spec.CreatedAtMs,
		fieldUpdatedAtMs: spec.UpdatedAtMs,
	}, nil
}

// HashToSpec converts a Redis hash back to a guild spec.
func HashToSpec(hash map[string]string) (*guild.GuildSpec, error) {
	var spec guild.GuildSpec
	if err := json.Unmarshal([]byte(hash[fieldSpec]), &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guild spec: %w", err)
	}

	status, err := guild.ParseStatus(hash[fieldStatus])
	if err != nil {
		return nil, fmt.Errorf("stored guild %s: %w", hash[fieldID], err)
	}
	spec.Status = status

	if v := hash[fieldCreatedAtMs]; v != "" {
		if spec.CreatedAtMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldCreatedAtMs, err)
		}
	}
	if v := hash[fieldUpdatedAtMs]; v != "" {
		if spec.UpdatedAtMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldUpdatedAtMs, err)
		}
	}
	return &spec, nil
}
