package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := OpenFile(path)
	require.NoError(t, err)
	_, ok := s.Load(KeyDeviceID)
	assert.False(t, ok)

	require.NoError(t, s.Save(KeyDeviceID, "scale-7"))
	require.NoError(t, SaveFloat(s, KeyCalScale, -42.4))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	id, ok := reopened.Load(KeyDeviceID)
	assert.True(t, ok)
	assert.Equal(t, "scale-7", id)

	f, ok := LoadFloat(reopened, KeyCalScale)
	assert.True(t, ok)
	assert.Equal(t, -42.4, f)
}

func TestFileStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Save(KeyWiFiSSID, "home"))
	require.NoError(t, s.Delete(KeyWiFiSSID))
	assert.ErrorIs(t, s.Delete(KeyWiFiSSID), ErrNotFound)

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	_, ok := reopened.Load(KeyWiFiSSID)
	assert.False(t, ok)
}

func TestEmptyValueIsMissing(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Save(KeyWiFiPass, ""))
	_, ok := s.Load(KeyWiFiPass)
	assert.False(t, ok)
}

func TestOpenFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0o600))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestFileStoreSaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(KeyDeviceID, "old"))

	// Point the store at a directory that no longer exists.
	s.path = filepath.Join(dir, "gone", "settings.yaml")
	assert.Error(t, s.Save(KeyDeviceID, "new"))

	v, _ := s.Load(KeyDeviceID)
	assert.Equal(t, "old", v)
}

func TestLoadFloatUnparseable(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Save(KeyCalScale, "not-a-number"))
	_, ok := LoadFloat(s, KeyCalScale)
	assert.False(t, ok)
}

func TestMemStoreFailSaves(t *testing.T) {
	s := NewMemStore()
	s.FailSaves(true)
	assert.Error(t, SaveFloat(s, KeyCalScale, 1))
	_, ok := s.Load(KeyCalScale)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Saves())
}
