package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns a stable content hash for a request payload.
// Whitespace runs are collapsed and the prompt is trimmed before hashing so
// that cosmetically different prompts share an entry. The media reference is
// hashed verbatim — URLs are identity, not prose.
func Fingerprint(prompt, mediaRef string) string {
	norm := strings.Join(strings.Fields(prompt), " ")

	h := sha256.New()
	h.Write([]byte(norm))
	if mediaRef != "" {
		h.Write([]byte{0})
		h.Write([]byte(mediaRef))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key builds the full cache key for a (provider, payload, caller scope)
// triple. The provider ID is included to prevent cross-provider collisions;
// callerScope is empty for globally shared categories.
func Key(providerID, fingerprint, callerScope string) string {
	if callerScope == "" {
		callerScope = string(ScopeGlobal)
	}
	return "cache:" + providerID + ":" + callerScope + ":" + fingerprint
}
