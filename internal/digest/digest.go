// Package digest wraps github.com/opencontainers/go-digest with the
// streaming verification jailrun needs: every blob pulled from a
// registry by digest is checked against that digest before it is
// stored (spec.md §3, "Digest"). Blobs read back out of storage are
// not re-verified.
package digest

import (
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is a content-addressed identifier of the form "<algo>:<hex>".
// sha256 is the only algorithm jailrun writes, but Parse accepts any
// algorithm go-digest recognizes so foreign digests round-trip.
type Digest = godigest.Digest

// Canonical is the digest algorithm jailrun uses to store and verify
// blobs: sha256.
const Canonical = godigest.SHA256

// Parse validates the syntax of s ("algo:hex") without hashing anything.
func Parse(s string) (Digest, error) {
	d, err := godigest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing digest %q: %w", s, err)
	}
	return d, nil
}

// FromBytes computes the canonical digest of b.
func FromBytes(b []byte) Digest {
	return Canonical.FromBytes(b)
}

// VerifyingReader wraps r and, once fully read, reports whether the
// bytes that passed through hashed to want. Callers must read the
// reader to EOF before calling Verified.
type VerifyingReader struct {
	r        io.Reader
	verifier godigest.Verifier
	want     Digest
}

// NewVerifyingReader returns a reader that hashes every byte read from
// r as it streams, so the full body never has to be buffered to check
// its digest (spec.md §4.2: "every transport read validates the
// computed digest against the expected one").
func NewVerifyingReader(r io.Reader, want Digest) *VerifyingReader {
	return &VerifyingReader{r: r, verifier: want.Verifier(), want: want}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		_, _ = v.verifier.Write(p[:n])
	}
	return n, err
}

// Verified reports whether the bytes read so far hash to the expected
// digest. Call only after reading the underlying reader to completion.
func (v *VerifyingReader) Verified() bool {
	return v.verifier.Verified()
}

// Want returns the digest this reader is verifying against.
func (v *VerifyingReader) Want() Digest {
	return v.want
}
