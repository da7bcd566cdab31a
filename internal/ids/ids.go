package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 32 character hex identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewPrefixed returns an identifier such as "turn_<hex>".
func NewPrefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
