package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/memory"
	"github.com/quincefs/quince/internal/storage/mount"
	s3backend "github.com/quincefs/quince/internal/storage/s3"
)

// NewBackend creates a Backend from a backend type string and JSON config.
// This switch and the capability resolver's intrinsics table are the only
// two places that may branch on backend type.
func NewBackend(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewFromJSON(ctx, config)
	case "mount":
		return mount.NewFromJSON(config)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
