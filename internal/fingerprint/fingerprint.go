// Package fingerprint derives content identities from payload bytes.
//
// Fingerprints are digest strings of the form "<algorithm>:<lowercase hex>",
// the same shape as OCI content digests.
package fingerprint

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/hex"
	"fmt"
	"hash"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a fingerprint function.
type Algorithm string

// Supported algorithms. SHA256 is the default.
const (
	SHA256     Algorithm = "sha256"
	BLAKE3     Algorithm = "blake3"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// Default is used when no algorithm is configured.
const Default = SHA256

// Fingerprint errors.
var (
	ErrUnknownAlgorithm = fmt.Errorf("unknown fingerprint algorithm: %w", errdefs.ErrInvalidArgument)
	ErrInvalid          = fmt.Errorf("invalid fingerprint: %w", errdefs.ErrInvalidArgument)
	ErrMismatch         = fmt.Errorf("fingerprint mismatch: %w", errdefs.ErrDataLoss)
)

var hashers = map[Algorithm]func() hash.Hash{
	SHA256: digest.SHA256.Hash,
	BLAKE3: func() hash.Hash { return blake3.New() },
	BLAKE2b256: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			// Only a key longer than 64 bytes fails.
			panic("fingerprint: blake2b: " + err.Error())
		}
		return h
	},
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := lo.Map(lo.Keys(hashers), func(a Algorithm, _ int) string { return string(a) })
	slices.Sort(names)
	return names
}

// Lookup returns the algorithm named name. An empty name selects Default.
func Lookup(name string) (Algorithm, error) {
	if name == "" {
		return Default, nil
	}
	a := Algorithm(strings.ToLower(name))
	if !a.Available() {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnknownAlgorithm, name, strings.Join(Algorithms(), ", "))
	}
	return a, nil
}

// Available reports whether a is supported.
func (a Algorithm) Available() bool {
	_, ok := hashers[a]
	return ok
}

// Hash returns a new hash.Hash for a. It panics for unsupported algorithms.
func (a Algorithm) Hash() hash.Hash {
	fn, ok := hashers[a]
	if !ok {
		panic(fmt.Sprintf("fingerprint: unsupported algorithm %q", string(a)))
	}
	return fn()
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	return a.Hash().Size()
}

// FromBytes fingerprints p.
func (a Algorithm) FromBytes(p []byte) digest.Digest {
	h := a.Hash()
	_, _ = h.Write(p)
	return digest.NewDigestFromEncoded(digest.Algorithm(a), hex.EncodeToString(h.Sum(nil)))
}

// Parse splits s into algorithm and digest. The algorithm need not be
// supported, but when it is, the hex part must have the right length.
func Parse(s string) (Algorithm, digest.Digest, error) {
	alg, encoded, ok := strings.Cut(s, ":")
	if !ok || alg == "" || encoded == "" {
		return "", "", fmt.Errorf("%w: %q is not <algorithm>:<hex>", ErrInvalid, s)
	}
	if strings.ToLower(encoded) != encoded {
		return "", "", fmt.Errorf("%w: %q must be lowercase", ErrInvalid, s)
	}
	if _, err := hex.DecodeString(encoded); err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	a := Algorithm(alg)
	if a.Available() && len(encoded) != 2*a.Size() {
		return "", "", fmt.Errorf("%w: %s digest must be %d hex characters", ErrInvalid, alg, 2*a.Size())
	}
	return a, digest.Digest(s), nil
}

// Verify checks that p hashes to d. It returns ErrUnknownAlgorithm when d
// uses an unsupported algorithm.
func Verify(d digest.Digest, p []byte) error {
	a, _, err := Parse(string(d))
	if err != nil {
		return err
	}
	if !a.Available() {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
	if got := a.FromBytes(p); got != d {
		return fmt.Errorf("%w: stored %s, computed %s", ErrMismatch, d, got)
	}
	return nil
}
