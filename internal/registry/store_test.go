package registry

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/portkeeper/internal/model"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), name), log.New(io.Discard))
}

func TestStore_RoundTrip(t *testing.T) {
	for _, name := range []string{"registry.yaml", "script_ports.json"} {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, name)
			reg := model.Registry{
				"/root/bin/a.worker": 5001,
				"/root/bin/b.worker": 5000,
			}

			require.NoError(t, s.Save(reg))
			assert.Equal(t, reg, s.Load())
		})
	}
}

func TestStore_YAMLLayout(t *testing.T) {
	s := newTestStore(t, "registry.yaml")
	require.NoError(t, s.Save(model.Registry{"/root/bin/a.worker": 5001}))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "version: 1\nworkers:\n    /root/bin/a.worker: 5001\n", string(data))
}

func TestStore_LoadDegradesToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "malformed yaml", file: "r.yaml", content: "workers: [unterminated"},
		{name: "malformed json", file: "r.json", content: "{\"a\": "},
		{name: "duplicate ports", file: "r.yaml", content: "version: 1\nworkers:\n  /a: 5000\n  /b: 5000\n"},
		{name: "port out of range", file: "r.json", content: `{"/a": 80}`},
		{name: "future version", file: "r.yaml", content: "version: 9\nworkers: {}\n"},
		{name: "json null", file: "r.json", content: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, tt.file)
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0o644))

			reg := s.Load()
			require.NotNil(t, reg)
			assert.Empty(t, reg)
		})
	}
}

func TestStore_MissingFile(t *testing.T) {
	s := newTestStore(t, "absent.yaml")

	assert.Empty(t, s.Load())
	_, err := s.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestStore_LegacyJSONComments reads a hand-edited legacy file with comments
// and a trailing comma.
func TestStore_LegacyJSONComments(t *testing.T) {
	s := newTestStore(t, "script_ports.json")
	content := `{
  // main bot
  "/root/bin/bot.py": 5000,
  "/root/bin/relay.py": 5001,
}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o644))

	assert.Equal(t, model.Registry{"/root/bin/bot.py": 5000, "/root/bin/relay.py": 5001}, s.Load())
}

func TestStore_SaveEmptyAndNil(t *testing.T) {
	s := newTestStore(t, "registry.yaml")

	require.NoError(t, s.Save(nil))
	reg, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, reg)
}

// TestStore_SaveRejectsInvalid: a registry that Load would reject is never
// written, so the previous file survives.
func TestStore_SaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t, "registry.yaml")
	good := model.Registry{"/root/bin/a.worker": 8081}
	require.NoError(t, s.Save(good))

	tests := []struct {
		name string
		reg  model.Registry
	}{
		{
			name: "duplicate port",
			reg:  model.Registry{"/root/bin/a.worker": 8081, "/root/bin/b.worker": 8081},
		},
		{
			name: "privileged port",
			reg:  model.Registry{"/root/bin/a.worker": 80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Save(tt.reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid registry")

			reg, err := s.Read()
			require.NoError(t, err)
			assert.Equal(t, good, reg)
		})
	}
}
