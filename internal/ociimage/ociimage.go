// Package ociimage holds the OCI distribution data model jailrun reads
// off the wire: manifest indexes, manifests, and image configs
// (spec.md §3). The wire shapes themselves come straight from
// opencontainers/image-spec rather than being hand-rolled.
package ociimage

import (
	"fmt"

	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Index is a manifest list: a set of platform-qualified manifest
// descriptors (spec.md §3, "Manifest index").
type Index = v1.Index

// Manifest is {schemaVersion, config, layers, annotations} (spec.md §3).
type Manifest = v1.Manifest

// Descriptor is {mediaType, digest, size, urls?} plus an optional
// platform, used both inside an Index and for config/layer references.
type Descriptor = v1.Descriptor

// Platform is {architecture, os, os.version?, os.features?, variant?}.
type Platform = v1.Platform

// Config is the image config's static definition (spec.md §3, "Image config").
type Config = v1.Image

// ImageConfig is the nested "config" object inside Config.
type ImageConfig = v1.ImageConfig

// Versioned carries the mandatory schemaVersion field.
type Versioned = specs.Versioned

// SelectPlatform implements spec.md §4.4 step 2: pick the first
// manifest in idx whose platform matches arch and one of osSet, in
// order of appearance. Returns ErrNoMatchingPlatform-wrapped error via
// the caller (this function just reports ok=false) when nothing matches.
func SelectPlatform(idx *Index, arch string, osSet map[string]bool) (Descriptor, bool) {
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.Architecture == arch && osSet[m.Platform.OS] {
			return m, true
		}
	}
	return Descriptor{}, false
}

// SplitImageName implements spec.md §4.4 step 1's "prefix library/ if
// no / present" rule, and returns the cache key "<image_name>:<tag>".
func SplitImageName(image, tag string) (imageName, cacheKey string) {
	imageName = image
	if !containsSlash(image) {
		imageName = "library/" + image
	}
	cacheKey = fmt.Sprintf("%s:%s", imageName, tag)
	return imageName, cacheKey
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
