// Package idgen provides random ID generation.
package idgen

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
)

// New generates a random UUID (v4) string.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ent_", "ord_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FromAlphabet returns n characters sampled uniformly from alphabet, reading
// randomness from r (crypto/rand when r is nil). Bytes that would bias the
// distribution are rejected and redrawn.
func FromAlphabet(r io.Reader, alphabet string, n int) (string, error) {
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", errors.New("idgen: alphabet must have 1..256 characters")
	}
	if r == nil {
		r = rand.Reader
	}

	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
