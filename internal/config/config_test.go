// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
}

func TestSetRangeChecks(t *testing.T) {
	s := Default()

	require.NoError(t, s.Set("tries_per_player", "3"))
	assert.Equal(t, 3, s.TriesPerPlayer)

	assert.Error(t, s.Set("tries_per_player", "0"), "below min")
	assert.Error(t, s.Set("tries_per_player", "11"), "above max")
	assert.Error(t, s.Set("tries_per_player", "two"), "not an integer")
	assert.Equal(t, 3, s.TriesPerPlayer, "failed sets must not mutate")
}

func TestSetOneOf(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("direction_conflict_mode", "replace"))
	assert.Equal(t, "replace", s.ConflictMode)
	assert.Error(t, s.Set("direction_conflict_mode", "queue_all"))
	assert.Error(t, s.Set("log_level", "verbose"))
}

func TestSetBool(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("mock_gpio", "true"))
	assert.True(t, s.MockGPIO)
	require.NoError(t, s.Set("mock_gpio", "false"))
	assert.False(t, s.MockGPIO)
	assert.Error(t, s.Set("mock_gpio", "yes"))
}

func TestSetUnknownKey(t *testing.T) {
	s := Default()
	assert.Error(t, s.Set("no_such_key", "1"))
	_, err := s.Get("no_such_key")
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadParsesAndRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\n\nturn_time_seconds=120\nmock_gpio=true\n",
	), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, s.TurnTimeSeconds)
	assert.True(t, s.MockGPIO)

	require.NoError(t, os.WriteFile(path, []byte("turn_time_seconds 120\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err, "missing = separator")

	require.NoError(t, os.WriteFile(path, []byte("turn_time_seconds=5\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err, "out of range value")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round.conf")
	s := Default()
	s.TurnTimeSeconds = 45
	s.AdminAPIKey = "secret-key"
	s.ConflictMode = "replace"

	require.NoError(t, Save(path, &s))
	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("settings mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestHolderUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holder.conf")
	h, err := NewHolder(path)
	require.NoError(t, err)

	s := h.Current()
	s.TriesPerPlayer = 4
	require.NoError(t, h.Update(s))
	assert.Equal(t, 4, h.Current().TriesPerPlayer)

	// A fresh holder sees the persisted value.
	h2, err := NewHolder(path)
	require.NoError(t, err)
	assert.Equal(t, 4, h2.Current().TriesPerPlayer)
}

func TestHolderUpdateRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holder.conf")
	h, err := NewHolder(path)
	require.NoError(t, err)

	s := h.Current()
	s.Workers = 0
	assert.Error(t, h.Update(s))
	assert.Equal(t, 1, h.Current().Workers, "rejected update must not apply")
}

func TestMapCoversEveryField(t *testing.T) {
	s := Default()
	m := s.Map()
	assert.Len(t, m, len(Fields()))
	assert.Equal(t, "90", m["turn_time_seconds"])
	assert.Equal(t, "true", m["relay_active_low"])
}
