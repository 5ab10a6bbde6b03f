package terminal

import (
	"path/filepath"
	"runtime"
	"strings"
)

// normalizePath makes p absolute, cleans it and strips trailing separators.
// Paths are case-folded on Windows.
func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)

	if len(p) > 1 {
		vol := filepath.VolumeName(p)
		trimmed := strings.TrimRight(p, `/\`)
		// keep the root itself ("/" or "C:\")
		if len(trimmed) > len(vol) {
			p = trimmed
		}
	}

	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// samePath reports whether a and b name the same directory after normalization.
func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return normalizePath(a) == normalizePath(b)
}
