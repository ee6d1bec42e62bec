package geoip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEmptyPath(t *testing.T) {
	loc, err := Open("")
	require.NoError(t, err)
	assert.Nil(t, loc)
	assert.Equal(t, "", loc.Country("8.8.8.8"))
	assert.NoError(t, loc.Close())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open geoip database")
}

func TestOpenInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))
	_, err := Open(path)
	require.Error(t, err)
}
