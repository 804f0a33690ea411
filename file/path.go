package file

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrDirectoryTraversal
	}

	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// SafeFileName reduces a peer-supplied file name to its base name so it can
// be joined to a download directory.
func SafeFileName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + filepath.ToSlash(name)))
	if base == "/" || base == "." || base == ".." {
		return "", ErrDirectoryTraversal
	}
	return base, nil
}
