package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as "<prefix>_<hex>".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsID reports whether value looks like an identifier minted by NewID with
// the given prefix.
func IsID(prefix, value string) bool {
	raw := value
	if prefix != "" {
		var ok bool
		raw, ok = strings.CutPrefix(value, prefix+"_")
		if !ok {
			return false
		}
	}
	_, err := uuid.Parse(raw)
	return err == nil && len(raw) == 32
}
