// Package checkpoint persists small JSON-encoded records grouped by namespace.
// Thread state, pending approvals and the per-user order memo all live here,
// so a suspended conversation can be picked up by another process.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyKey = errors.New("checkpoint: namespace and key are required")

type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the entry's value into dst.
func (e Entry) Decode(dst any) error {
	return json.Unmarshal(e.Value, dst)
}

type Store interface {
	Put(ctx context.Context, namespace, key string, value any) error
	// Get decodes the record into dst and reports whether it existed.
	Get(ctx context.Context, namespace, key string, dst any) (bool, error)
	Delete(ctx context.Context, namespace, key string) error
	// List returns every record in namespace ordered by key.
	List(ctx context.Context, namespace string) ([]Entry, error)
}

func encode(namespace, key string, value any) ([]byte, error) {
	if namespace == "" || key == "" {
		return nil, ErrEmptyKey
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

func decode(namespace, key string, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("checkpoint: decode %s/%s: %w", namespace, key, err)
	}
	return nil
}
