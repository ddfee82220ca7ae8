package util

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// SafeLogName turns an instance name or id into a filename-safe log stem:
// lowercased, separators collapsed to dashes, hashed when too long.
func SafeLogName(name string) string {
	base := strings.ToLower(name)
	for _, sep := range []string{".", "/", "_", " ", ":"} {
		base = strings.ReplaceAll(base, sep, "-")
	}
	if base == "" {
		return "instance"
	}
	if len(base) <= 64 {
		return base
	}
	h := sha1.Sum([]byte(name))
	return base[:47] + "-" + hex.EncodeToString(h[:8])
}
