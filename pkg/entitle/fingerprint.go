package entitle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint derives a stable identity hash from device attributes.
// The attributes are canonicalized (sorted by key) before hashing, so
// identical attribute sets always yield identical fingerprints
// regardless of map iteration order. The hash is not reversible to the
// raw attributes.
func Fingerprint(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(attrs[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
