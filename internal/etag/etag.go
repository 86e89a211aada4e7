// Package etag issues and validates the opaque version tokens used for
// optimistic locking on mutable resources.
package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// tokenLen truncates the hex digest for header readability.
const tokenLen = 32

// PreconditionError signals a stale concurrency token. CurrentToken lets
// the caller re-fetch and retry without another round trip.
type PreconditionError struct {
	CurrentToken string
}

func (e PreconditionError) Error() string {
	return "concurrency token mismatch"
}

// TransitionError signals a status change the resource graph forbids. A
// structurally valid token never bypasses this check.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Issue derives a token from the resource's identifying content and its
// updated_at timestamp. Keys are sorted so the token is deterministic.
func Issue(content map[string]string, updatedAt string) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, content[k])
	}
	b.WriteString(updatedAt)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:tokenLen]
}

// Validate compares the supplied token byte-for-byte against the
// resource's current token. Surrounding quotes from If-Match headers are
// stripped; a mismatch yields PreconditionError carrying the current
// token.
func Validate(current, supplied string) error {
	cleaned := strings.Trim(strings.TrimSpace(supplied), `"`)
	if cleaned == "" {
		return PreconditionError{CurrentToken: current}
	}
	if cleaned != current {
		return PreconditionError{CurrentToken: current}
	}
	return nil
}
