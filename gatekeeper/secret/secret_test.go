package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "admin_pass.txt")
	f := NewFile(path)

	_, err := f.Read()
	assert.ErrorIs(t, err, ErrNotSet)

	require.NoError(t, f.Write("  hunter2 \n"))
	pass, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	assert.Error(t, f.Write("   "))

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	_, err = f.Read()
	assert.ErrorIs(t, err, ErrNotSet)
}
