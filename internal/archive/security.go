package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateExtractPath joins an archive entry name to the destination
// directory and rejects names that would land outside it once cleaned.
// Archive entry names are attacker-controlled; nothing an archive says may
// place a file above the destination.
func ValidateExtractPath(destPath, entryName string) (string, error) {
	dest := filepath.Clean(destPath)
	target := filepath.Clean(filepath.Join(dest, entryName))

	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry path escapes destination directory: %s", entryName)
	}

	return target, nil
}
