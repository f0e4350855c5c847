// Package utils holds small path helpers shared by the shadow tree code.
package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Within reports whether p is base itself or lies below it. Both paths are
// cleaned first; no symlinks are resolved.
func Within(base, p string) bool {
	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(p)
	if cleanPath == cleanBase {
		return true
	}
	if cleanBase == string(filepath.Separator) {
		return filepath.IsAbs(cleanPath)
	}
	return strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator))
}

// SecureJoin joins elements onto base and fails if the result escapes base
// through "..".
//
//	p, err := SecureJoin(queryDir, name)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	fullPath := filepath.Join(append([]string{filepath.Clean(base)}, elements...)...)
	if !Within(base, fullPath) {
		return "", fmt.Errorf("path %s escapes base directory %s", fullPath, base)
	}
	return fullPath, nil
}
