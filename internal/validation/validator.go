package validation

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath         = errors.New("path must not be empty")
	ErrAbsolutePath      = errors.New("path must be relative to the workspace")
	ErrPathTraversal     = errors.New("path traversal detected")
	ErrInvalidCharacters = errors.New("invalid characters in input")
)

// ValidateRelativePath accepts workspace-relative paths, including nested
// ones, and rejects anything that could escape the workspace once joined.
func ValidateRelativePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if strings.ContainsRune(path, '\x00') {
		return ErrInvalidCharacters
	}

	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return ErrAbsolutePath
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return ErrPathTraversal
	}

	return nil
}

// ResolveWithin joins a workspace-relative path to the base directory and
// verifies the result stays inside it. It returns the cleaned absolute path.
func ResolveWithin(basePath, relPath string) (string, error) {
	if err := ValidateRelativePath(relPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", err
	}

	absTarget, err := filepath.Abs(filepath.Join(absBase, relPath))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return "", ErrPathTraversal
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}

	return absTarget, nil
}
