package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Namespace separates cache families so equal inputs never collide across caches.
type Namespace string

const (
	NamespaceContext Namespace = "ctx"
	NamespaceTool    Namespace = "tool"
	NamespaceAgent   Namespace = "agent"
)

// Key renders the composite namespace:key form. Keys already carrying the prefix are kept as is.
func (ns Namespace) Key(key string) string {
	prefix := string(ns) + ":"
	if strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

// Hash returns the sha256 hex digest of parts joined by a unit separator.
func Hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
