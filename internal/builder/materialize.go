package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fenceline/jailrun/internal/archive"
	"github.com/fenceline/jailrun/internal/digest"
	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/ociimage"
	"github.com/fenceline/jailrun/internal/storage"
)

const managedByAnnotation = "com.jailrun/managed-by"

// Materialize implements spec.md §4.4's materialize pipeline: unpack
// every layer of manifestDigest into bundleDir/rootfs (applying
// whiteouts between layers), then write bundleDir/config.json from the
// image config.
func (b *Builder) Materialize(ctx context.Context, manifestDigest digest.Digest, bundleDir string) error {
	manifestBody, ok, err := b.store.Get(ctx, storage.CollBlobs, manifestDigest.String())
	if err != nil {
		return fmt.Errorf("loading manifest %s: %w", manifestDigest, err)
	}
	if !ok {
		return fmt.Errorf("manifest %s: %w", manifestDigest, errs.ErrStorageCorruption)
	}
	var manifest ociimage.Manifest
	if err := json.Unmarshal(manifestBody, &manifest); err != nil {
		return fmt.Errorf("decoding manifest %s: %w", manifestDigest, errs.ErrDecode)
	}

	rootfs := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return fmt.Errorf("creating rootfs %s: %w", rootfs, err)
	}

	for _, layer := range manifest.Layers {
		blob, ok, err := b.store.Get(ctx, storage.CollBlobs, layer.Digest.String())
		if err != nil {
			return fmt.Errorf("loading layer %s: %w", layer.Digest, err)
		}
		if !ok {
			return fmt.Errorf("layer %s: %w", layer.Digest, errs.ErrStorageCorruption)
		}
		if err := applyLayer(rootfs, blob); err != nil {
			return fmt.Errorf("applying layer %s: %w", layer.Digest, err)
		}
	}

	configBody, ok, err := b.store.Get(ctx, storage.CollBlobs, manifest.Config.Digest.String())
	if err != nil {
		return fmt.Errorf("loading image config %s: %w", manifest.Config.Digest, err)
	}
	if !ok {
		return fmt.Errorf("image config %s: %w", manifest.Config.Digest, errs.ErrStorageCorruption)
	}
	var imageConfig ociimage.Config
	if err := json.Unmarshal(configBody, &imageConfig); err != nil {
		return fmt.Errorf("decoding image config %s: %w", manifest.Config.Digest, errs.ErrDecode)
	}

	runtimeSpec, err := buildRuntimeSpec(imageConfig, rootfs)
	if err != nil {
		return fmt.Errorf("building runtime config: %w", err)
	}

	out, err := json.MarshalIndent(runtimeSpec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), out, 0o644); err != nil {
		return fmt.Errorf("writing config.json: %w", err)
	}
	return nil
}

// buildRuntimeSpec implements spec.md §4.4 step 2's image-config-to-
// runtime-config translation.
func buildRuntimeSpec(imageConfig ociimage.Config, rootfs string) (*specs.Spec, error) {
	uid, gid, err := ResolveUser(imageConfig.Config.User, rootfs)
	if err != nil {
		return nil, fmt.Errorf("resolving user %q: %w", imageConfig.Config.User, err)
	}

	args := append(append([]string{}, imageConfig.Config.Entrypoint...), imageConfig.Config.Cmd...)

	cwd := imageConfig.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	return &specs.Spec{
		Version: "1.0",
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Process: &specs.Process{
			Cwd:  cwd,
			Env:  imageConfig.Config.Env,
			Args: args,
			User: specs.User{
				UID: uid,
				GID: gid,
			},
		},
		Annotations: map[string]string{
			managedByAnnotation:                   "jailrun",
			"org.opencontainers.image.stopSignal": imageConfig.Config.StopSignal,
		},
	}, nil
}

// applyLayer scans blob for whiteout entries, removes their targets on
// rootfs, then extracts the layer, skipping the whiteout markers
// themselves — spec.md §4.4 step 1. The stream is consumed once per
// pass, so blob is read from a fresh bytes.Reader each time.
func applyLayer(rootfs string, blob []byte) error {
	entries, err := archive.NewReader(bytes.NewReader(blob)).Entries()
	if err != nil {
		return fmt.Errorf("scanning layer entries: %w", err)
	}
	if err := applyWhiteouts(rootfs, entries); err != nil {
		return fmt.Errorf("applying whiteouts: %w", err)
	}
	if err := archive.NewReader(bytes.NewReader(blob)).Extract(rootfs, archive.IsWhiteout); err != nil {
		return fmt.Errorf("extracting layer: %w", err)
	}
	return nil
}

func applyWhiteouts(rootfs string, entries []string) error {
	for _, entry := range entries {
		if archive.IsOpaqueWhiteout(entry) {
			dir := safeRootfsJoin(rootfs, filepath.Dir(entry))
			children, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			for _, child := range children {
				if err := os.RemoveAll(filepath.Join(dir, child.Name())); err != nil {
					return err
				}
			}
			continue
		}

		target, ok := archive.WhiteoutTarget(entry)
		if !ok {
			continue
		}
		if err := os.RemoveAll(safeRootfsJoin(rootfs, target)); err != nil {
			return err
		}
	}
	return nil
}

// safeRootfsJoin mirrors spec.md §4.6's path-safety rule so a whiteout
// entry can never reach outside rootfs: "..", ".", and absolute
// components are dropped, only Normal components are kept.
func safeRootfsJoin(rootfs, entryPath string) string {
	clean := filepath.Clean(string(filepath.Separator) + entryPath)
	rel := strings.TrimPrefix(clean, string(filepath.Separator))
	return filepath.Join(rootfs, rel)
}
