package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "pairing", []string{"pairing"}, false},
		{"two segments", "pairing.expirySeconds", []string{"pairing", "expirySeconds"}, false},
		{"three segments", "gateway.tls.enabled", []string{"gateway", "tls", "enabled"}, false},
		{"empty", "", nil, true},
		{"empty segment", "gateway..port", nil, true},
		{"trailing dot", "gateway.", nil, true},
		{"blocked key", "foo.__proto__.bar", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetSetValueAtPath(t *testing.T) {
	root := map[string]any{}

	SetValueAtPath(root, []string{"reconnect", "enabled"}, true)
	SetValueAtPath(root, []string{"reconnect", "maxIntervalMs"}, 5000)

	val, ok := GetValueAtPath(root, []string{"reconnect", "enabled"})
	require.True(t, ok)
	assert.Equal(t, true, val)

	val, ok = GetValueAtPath(root, []string{"reconnect"})
	require.True(t, ok)
	assert.Len(t, val, 2)

	_, ok = GetValueAtPath(root, []string{"reconnect", "missing"})
	assert.False(t, ok)

	_, ok = GetValueAtPath(root, []string{"reconnect", "enabled", "deeper"})
	assert.False(t, ok)
}

func TestSetValueAtPath_ReplacesNonMap(t *testing.T) {
	root := map[string]any{"gateway": "string"}
	SetValueAtPath(root, []string{"gateway", "port"}, 8080)

	val, ok := GetValueAtPath(root, []string{"gateway", "port"})
	require.True(t, ok)
	assert.Equal(t, 8080, val)
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"pairing": map[string]any{"expirySeconds": 60},
	}

	assert.True(t, UnsetValueAtPath(root, []string{"pairing", "expirySeconds"}))
	_, ok := GetValueAtPath(root, []string{"pairing", "expirySeconds"})
	assert.False(t, ok)

	assert.False(t, UnsetValueAtPath(root, []string{"pairing", "expirySeconds"}))
	assert.False(t, UnsetValueAtPath(root, []string{"a", "b", "c"}))
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("OMNIDESK_HOME", "")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".omnidesk"), paths.Base)
	assert.Equal(t, filepath.Join(home, ".omnidesk", "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(home, ".omnidesk", "logs"), paths.Logs)
	assert.Equal(t, filepath.Join(home, ".omnidesk", "data"), paths.Data)
}

func TestResolvePathsCustomHome(t *testing.T) {
	t.Setenv("OMNIDESK_HOME", "/tmp/omnidesk-home")

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/omnidesk-home", paths.Base)
	assert.Equal(t, "/tmp/omnidesk-home/config.yaml", paths.Config)
	assert.Equal(t, "/tmp/omnidesk-home/data/omnidesk.db", paths.StorePath(StoreConfig{}))
	assert.Equal(t, "/srv/desk.db", paths.StorePath(StoreConfig{Path: "/srv/desk.db"}))
}

func TestEnsureDirs(t *testing.T) {
	tmpDir := t.TempDir()
	paths := Paths{
		Base: tmpDir,
		Logs: filepath.Join(tmpDir, "logs"),
		Data: filepath.Join(tmpDir, "data"),
	}

	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, dir := range []string{paths.Base, paths.Logs, paths.Data} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
