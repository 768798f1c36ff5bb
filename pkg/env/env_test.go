package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetStringFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	assert.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	t.Setenv("RC_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("RC_SECRET", "default"))

	t.Setenv("RC_SECRET_FILE", path)
	assert.Equal(t, "from-file", GetStringFromFile("RC_SECRET", "default"))

	t.Setenv("RC_SECRET_FILE", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, "from-env", GetStringFromFile("RC_SECRET", "default"))
}

func TestTypedGetters_FallBackOnBadValues(t *testing.T) {
	t.Setenv("RC_INT", "nope")
	t.Setenv("RC_BOOL", "maybe")
	t.Setenv("RC_DUR", "10")

	assert.Equal(t, 7, GetInt("RC_INT", 7))
	assert.True(t, GetBool("RC_BOOL", true))
	assert.Equal(t, time.Second, GetDuration("RC_DUR", time.Second))

	t.Setenv("RC_INT", "42")
	t.Setenv("RC_BOOL", "false")
	t.Setenv("RC_DUR", "1m30s")
	assert.Equal(t, 42, GetInt("RC_INT", 7))
	assert.False(t, GetBool("RC_BOOL", true))
	assert.Equal(t, 90*time.Second, GetDuration("RC_DUR", time.Second))
}

func TestGetStringSlice(t *testing.T) {
	def := []string{"a"}
	assert.Equal(t, def, GetStringSlice("RC_LIST_UNSET", def))

	t.Setenv("RC_LIST", " x, ,y ,")
	assert.Equal(t, []string{"x", "y"}, GetStringSlice("RC_LIST", def))

	t.Setenv("RC_LIST", " , ")
	assert.Equal(t, def, GetStringSlice("RC_LIST", def))
}
