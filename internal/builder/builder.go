// Package builder implements spec.md §4.4: resolving an image
// reference against a registry, caching its blobs, and materializing
// a pulled image into a bundle's rootfs plus an OCI runtime config.json.
package builder

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fenceline/jailrun/internal/digest"
	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/ociimage"
	"github.com/fenceline/jailrun/internal/registry"
	"github.com/fenceline/jailrun/internal/storage"
)

// Builder drives Registry pulls into Storage and, separately, unpacks
// cached image blobs into a bundle (Materialize).
type Builder struct {
	store  storage.Store
	client *registry.Client
}

// New returns a Builder pulling through client and caching in store.
func New(store storage.Store, client *registry.Client) *Builder {
	return &Builder{store: store, client: client}
}

// Fetch implements spec.md §4.4's fetch pipeline for (image, tag):
// memoized cache-key lookup, index pull + platform selection, manifest
// pull, then concurrent config+layer pulls that must all succeed.
// Returns the manifest digest, the value recorded under
// images[cache_key].
func (b *Builder) Fetch(ctx context.Context, image, tag, arch string, osSet map[string]bool, progress registry.ProgressFunc) (digest.Digest, error) {
	imageName, cacheKey := ociimage.SplitImageName(image, tag)

	if existing, ok, err := b.store.Get(ctx, storage.CollImages, cacheKey); err != nil {
		return "", fmt.Errorf("checking image cache for %s: %w", cacheKey, err)
	} else if ok {
		d, err := digest.Parse(string(existing))
		if err != nil {
			return "", fmt.Errorf("decoding cached digest for %s: %w", cacheKey, err)
		}
		return d, nil
	}

	indexBody, _, _, err := b.client.FetchIndexOrManifest(ctx, imageName, tag)
	if err != nil {
		return "", fmt.Errorf("fetching manifest index for %s:%s: %w", imageName, tag, err)
	}
	var idx ociimage.Index
	if err := json.Unmarshal(indexBody, &idx); err != nil {
		return "", fmt.Errorf("decoding manifest index for %s:%s: %w", imageName, tag, errs.ErrDecode)
	}

	descriptor, ok := ociimage.SelectPlatform(&idx, arch, osSet)
	if !ok {
		return "", fmt.Errorf("selecting platform %s for %s:%s: %w", arch, imageName, tag, errs.ErrNoMatchingPlatform)
	}

	manifestBody, manifestDigest, _, err := b.client.FetchIndexOrManifest(ctx, imageName, descriptor.Digest.String())
	if err != nil {
		return "", fmt.Errorf("fetching manifest %s for %s: %w", descriptor.Digest, imageName, err)
	}
	if err := b.store.Put(ctx, storage.CollBlobs, manifestDigest.String(), manifestBody); err != nil {
		return "", fmt.Errorf("storing manifest blob %s: %w", manifestDigest, err)
	}

	var manifest ociimage.Manifest
	if err := json.Unmarshal(manifestBody, &manifest); err != nil {
		return "", fmt.Errorf("decoding manifest %s: %w", manifestDigest, errs.ErrDecode)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.fetchAndStoreBlob(gctx, imageName, manifest.Config.Digest, manifest.Config.MediaType, progress)
	})
	for _, layer := range manifest.Layers {
		layer := layer
		g.Go(func() error {
			return b.fetchAndStoreBlob(gctx, imageName, layer.Digest, layer.MediaType, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("fetching config/layers for %s: %w", imageName, err)
	}

	if err := b.store.Put(ctx, storage.CollImages, cacheKey, []byte(manifestDigest.String())); err != nil {
		return "", fmt.Errorf("recording image cache entry %s: %w", cacheKey, err)
	}
	if _, err := b.store.Flush(ctx); err != nil {
		return "", fmt.Errorf("flushing store after fetch of %s: %w", cacheKey, err)
	}

	return manifestDigest, nil
}

// fetchAndStoreBlob is idempotent: a blob already cached (by digest) is
// never refetched, matching spec.md §8's digest-idempotence law.
func (b *Builder) fetchAndStoreBlob(ctx context.Context, imageName string, d digest.Digest, mediaType string, progress registry.ProgressFunc) error {
	cached, err := b.store.Exists(ctx, storage.CollBlobs, d.String())
	if err != nil {
		return fmt.Errorf("checking blob cache for %s: %w", d, err)
	}
	if cached {
		return nil
	}

	body, err := b.client.FetchBlob(ctx, imageName, d, mediaType, progress)
	if err != nil {
		return fmt.Errorf("fetching blob %s: %w", d, err)
	}
	if err := b.store.Put(ctx, storage.CollBlobs, d.String(), body); err != nil {
		return fmt.Errorf("storing blob %s: %w", d, err)
	}
	return nil
}
