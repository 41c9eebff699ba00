package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutProjectFile(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, root, cfg.Root)
	require.Equal(t, "default", cfg.Project)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestLoadReadsProjectYAML(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "project.yaml"), []byte("project: acme\npollInterval: 30s\n"), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, "acme", cfg.Project)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
}

func TestLoadEnvOverridesProjectYAML(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "project.yaml"), []byte("project: acme\n"), 0o644))
	t.Setenv("AOF_PROJECT", "overridden")

	cfg, err := Load(root)
	require.NoError(t, err)
	require.Equal(t, "overridden", cfg.Project)
}

func TestLoadRequiresRoot(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}
