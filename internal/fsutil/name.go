package fsutil

import "strings"

const maxNameLen = 128

// SafeName turns a tag such as "loss/loc_elem" into a file name component.
// Runs of characters outside [A-Za-z0-9._-] become one underscore; leading
// and trailing dots and underscores are dropped. An empty result is "unnamed".
func SafeName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		if b.Len() >= maxNameLen {
			break
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
