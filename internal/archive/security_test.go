package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExtractPath(t *testing.T) {
	dest := filepath.Join(string(filepath.Separator), "work", "out")

	cases := []struct {
		name    string
		entry   string
		want    string
		wantErr bool
	}{
		{"plain file", "a.txt", filepath.Join(dest, "a.txt"), false},
		{"nested file", "dir/sub/b.txt", filepath.Join(dest, "dir", "sub", "b.txt"), false},
		{"dot resolves to destination itself", ".", dest, false},
		{"rooted name stays inside", "/etc/passwd", filepath.Join(dest, "etc", "passwd"), false},
		{"parent traversal", "../evil.txt", "", true},
		{"buried traversal", "dir/../../evil.txt", "", true},
		{"traversal to sibling", "../out2/file.txt", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateExtractPath(dest, tc.entry)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "escapes destination")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
