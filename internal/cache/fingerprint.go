package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes the deterministic cache key of a request. Argument
// names are lower-cased and every value is trimmed; callers apply any
// domain-specific case folding to the values first. Arguments are hashed in
// sorted key order, so map iteration order never matters. When two names
// fold to the same key, the one sorting first in its original spelling
// wins.
func Fingerprint(service, operation string, args map[string]string, units, language string) string {
	raw := make([]string, 0, len(args))
	for k := range args {
		raw = append(raw, k)
	}
	sort.Strings(raw)

	keys := make([]string, 0, len(args))
	norm := make(map[string]string, len(args))
	for _, orig := range raw {
		k := strings.ToLower(strings.TrimSpace(orig))
		if _, seen := norm[k]; seen || k == "" {
			continue
		}
		norm[k] = strings.TrimSpace(args[orig])
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(service)
	write(operation)
	for _, k := range keys {
		write(k)
		write(norm[k])
	}
	write(strings.ToLower(strings.TrimSpace(units)))
	write(strings.ToLower(strings.TrimSpace(language)))

	return service + "." + operation + "-" + hex.EncodeToString(h.Sum(nil))
}
