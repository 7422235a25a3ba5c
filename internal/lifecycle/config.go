package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

// loadBundleConfig reads bundleDir/config.json and rewrites root.path
// to an absolute path under bundleDir, per spec.md §4.7's create step:
// "Override root.path with <bundle>/<root.path> so later operations
// use absolute paths."
func loadBundleConfig(bundleDir string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading bundle config: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding bundle config: %w", errs.ErrDecode)
	}
	if spec.Root == nil {
		return nil, fmt.Errorf("bundle config: root field must be set")
	}
	spec.Root.Path = filepath.Join(bundleDir, spec.Root.Path)
	return &spec, nil
}

func persistContainerConfig(ctx context.Context, store storage.Store, containerID string, spec *specs.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding container config: %w", err)
	}
	return store.Put(ctx, storage.CollContainerConfig, containerID, data)
}

func loadContainerConfig(ctx context.Context, store storage.Store, containerID string) (*specs.Spec, error) {
	data, ok, err := store.Get(ctx, storage.CollContainerConfig, containerID)
	if err != nil {
		return nil, fmt.Errorf("loading container config: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("container %q: %w", containerID, errs.ErrNotFound)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding container config: %w", errs.ErrDecode)
	}
	return &spec, nil
}

func removeContainerConfig(ctx context.Context, store storage.Store, containerID string) error {
	return store.Remove(ctx, storage.CollContainerConfig, containerID)
}
