package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s := Open(statePath(t))
	defer s.Close()

	stats := s.Stats()
	assert.Zero(t, stats.Users)
	assert.Zero(t, stats.Messages)
	assert.Zero(t, stats.FailedKeys)
	assert.Empty(t, s.Contexts(0))
}

func TestOpenCorruptFileKeepsDefaults(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := Open(path)
	defer s.Close()

	assert.Empty(t, s.Contexts(0))
	assert.Empty(t, s.Personas())
	assert.Empty(t, s.KeyFailures())
}

func TestSaveAndReload(t *testing.T) {
	path := statePath(t)

	s := Open(path)
	s.SetContexts(map[string][]Message{
		"telegram_private_1": {
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	s.SetPersonas(map[string]string{"telegram_private_1": "pirate"})
	s.SetKeySelection(map[string]string{"telegram_private_1": "backup"})
	s.SetKeyFailures(map[string]int{"default": 2})
	s.SetLastActivity(map[string]int64{"telegram_private_1": 1700000000})
	s.Close()

	reloaded := Open(path)
	defer reloaded.Close()

	contexts := reloaded.Contexts(0)
	require.Len(t, contexts["telegram_private_1"], 2)
	assert.Equal(t, "hi", contexts["telegram_private_1"][0].Content)
	assert.Equal(t, map[string]string{"telegram_private_1": "pirate"}, reloaded.Personas())
	assert.Equal(t, map[string]string{"telegram_private_1": "backup"}, reloaded.KeySelection())
	assert.Equal(t, map[string]int{"default": 2}, reloaded.KeyFailures())
	assert.Equal(t, map[string]int64{"telegram_private_1": 1700000000}, reloaded.LastActivity())
}

func TestSaveNowLeavesNoTempFile(t *testing.T) {
	path := statePath(t)
	s := Open(path)
	defer s.Close()

	require.NoError(t, s.SaveNow())

	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}

func TestSaveNowCreatesDataDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	s := Open(path)
	defer s.Close()

	require.NoError(t, s.SaveNow())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestContextsTruncatesToLimit(t *testing.T) {
	s := Open(statePath(t))
	defer s.Close()

	s.SetContexts(map[string][]Message{
		"u": {
			{Role: "user", Content: "one"},
			{Role: "assistant", Content: "two"},
			{Role: "user", Content: "three"},
		},
	})

	got := s.Contexts(2)
	require.Len(t, got["u"], 2)
	assert.Equal(t, "two", got["u"][0].Content, "newest entries are kept")
	assert.Equal(t, "three", got["u"][1].Content)
}

func TestStats(t *testing.T) {
	s := Open(statePath(t))
	defer s.Close()

	s.SetContexts(map[string][]Message{
		"a": {{Role: "user", Content: "x"}},
		"b": {{Role: "user", Content: "y"}, {Role: "assistant", Content: "z"}},
	})
	s.SetKeyFailures(map[string]int{"default": 3, "backup": 0})

	stats := s.Stats()
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 3, stats.Messages)
	assert.Equal(t, 1, stats.FailedKeys, "zero counters are not failed keys")
}

func TestSettersCopyInput(t *testing.T) {
	s := Open(statePath(t))
	defer s.Close()

	failures := map[string]int{"default": 1}
	s.SetKeyFailures(failures)
	failures["default"] = 99

	assert.Equal(t, 1, s.KeyFailures()["default"], "store must not alias caller maps")
}

func TestCloseFlushesPendingChanges(t *testing.T) {
	path := statePath(t)

	s := Open(path)
	s.SetPersonas(map[string]string{"u": "pirate"})
	s.Close()

	reloaded := Open(path)
	defer reloaded.Close()
	assert.Equal(t, "pirate", reloaded.Personas()["u"])
}
