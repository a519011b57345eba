// Package credentials resolves opaque secrets by id at input-resolution time.
// Secrets are referenced, never owned: they flow into resolved node input and
// are never written to a run's context store.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNotFound signals an unknown credential id.
var ErrNotFound = errors.New("credential not found")

// Resolver is the external collaborator contract for secret lookup.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// StaticResolver serves credentials from a fixed map. Useful for tests and
// single-process deployments.
type StaticResolver struct {
	secrets map[string]string
}

func NewStaticResolver(secrets map[string]string) *StaticResolver {
	return &StaticResolver{secrets: secrets}
}

func (r *StaticResolver) Resolve(_ context.Context, id string) (string, error) {
	secret, ok := r.secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return secret, nil
}

// NewFileResolver loads a flat JSON object of credential id to secret from
// disk. The file is read once at construction.
func NewFileResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}

	var secrets map[string]string

	err = json.Unmarshal(data, &secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}

	return NewStaticResolver(secrets), nil
}
