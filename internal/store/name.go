package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameBytes = 255

// Sanitize reduces a client-supplied filename to a safe base name: the last
// element of either slash style, trimmed, with every rune outside
// [A-Za-z0-9._-] replaced by '_'. Empty names, "." and "..", hidden names
// and names longer than 255 bytes fail with ErrInvalidName.
func Sanitize(name string) (string, error) {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSpace(base)

	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, base)

	switch {
	case clean == "", clean == ".", clean == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(clean, "."):
		return "", fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	case len(clean) > maxNameBytes:
		return "", fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidName, name, maxNameBytes)
	}
	return clean, nil
}

// Compose builds prefix + stem(name) + suffix + ext(name) for a sanitized
// name, cutting the stem so the result fits in 255 bytes. An extension too
// long to keep is cut as part of the stem.
func Compose(prefix, name, suffix string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if len(prefix)+len(suffix)+len(ext) >= maxNameBytes {
		stem, ext = name, ""
	}
	if room := max(0, maxNameBytes-len(prefix)-len(suffix)-len(ext)); len(stem) > room {
		stem = stem[:room]
	}
	return prefix + stem + suffix + ext
}
