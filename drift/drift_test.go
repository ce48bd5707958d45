package drift

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tollgate/types"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.tf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCheckDrift_Clean(t *testing.T) {
	path := writeFile(t, "instance_type = \"t3.micro\"\n")
	baseline := types.ContentHash([]byte("instance_type = \"t3.micro\"\n"))

	res, err := CheckDrift(path, "sha256:"+baseline)
	require.NoError(t, err)

	assert.Equal(t, StatusClean, res.Status)
	assert.Equal(t, baseline, res.Current)
	assert.NoError(t, Guard(res, false))
}

func TestCheckDrift_Drifted(t *testing.T) {
	path := writeFile(t, "instance_type = \"t3.large\"\n")
	baseline := types.ContentHash([]byte("instance_type = \"t3.micro\"\n"))

	res, err := CheckDrift(path, baseline)
	require.NoError(t, err)

	assert.True(t, res.Drifted())
	assert.Contains(t, res.Message(), path)
	assert.Contains(t, res.Message(), baseline)
	assert.Contains(t, res.Message(), res.Current)
	assert.Contains(t, res.Message(), "re-run with updated baseline")

	err = Guard(res, false)
	assert.True(t, errors.Is(err, ErrDrifted))

	// explicit override
	assert.NoError(t, Guard(res, true))
}

func TestCheckDrift_MissingFile(t *testing.T) {
	_, err := CheckDrift(filepath.Join(t.TempDir(), "gone.tf"), types.ContentHash(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCheckDrift_InvalidBaseline(t *testing.T) {
	path := writeFile(t, "x")
	_, err := CheckDrift(path, "not-a-hash")
	assert.Error(t, err)
}
