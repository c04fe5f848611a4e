// Package contenthash derives the content address of a memory.
//
// Two texts that differ only in letter case, Unicode composition or
// runs of whitespace share one address.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rcliao/memory-cloud/internal/model"
)

// Canonicalize returns the normalized form that is hashed: NFC, lower-cased,
// whitespace runs collapsed to a single space, trimmed.
func Canonicalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the 64-character lowercase hex SHA-256 of the canonical form.
func Hash(s string) (string, error) {
	c := Canonicalize(s)
	if c == "" {
		return "", model.Invalid("content", "must contain non-whitespace text")
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:]), nil
}

// Equivalent reports whether a and b canonicalize to the same text.
func Equivalent(a, b string) bool {
	return Canonicalize(a) == Canonicalize(b)
}

// Verify checks that hash addresses content.
func Verify(hash, content string) error {
	h, err := Hash(content)
	if err != nil {
		return err
	}
	if h != hash {
		return model.ErrHashMismatch
	}
	return nil
}
