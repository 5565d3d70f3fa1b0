// Package idgen generates the service's own identifiers. Transaction and
// user ids come from upstream; flags and requests get ids minted here.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	FlagPrefix    = "flg_"
	RequestPrefix = "req_"

	// randomBytes yields 24 hex characters after the prefix.
	randomBytes = 12
)

// New returns prefix followed by 24 random hex characters.
func New(prefix string) string {
	var b [randomBytes]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

// FlagID returns a new fraud flag id.
func FlagID() string { return New(FlagPrefix) }

// RequestID returns a new HTTP request id.
func RequestID() string { return New(RequestPrefix) }

// HasPrefix reports whether id was minted with prefix and has the expected
// shape.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 2*randomBytes {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
