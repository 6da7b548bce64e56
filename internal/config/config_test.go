package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Parallelism)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, "62.0", cfg.Source.APIVersion)
	assert.Equal(t, "62.0", cfg.Target.APIVersion)
	assert.Equal(t, "file", cfg.Sink.Kind)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backupforce.yaml")
	body := `
source:
  name: prod
  base_url: https://prod.my.salesforce.com
output_root: /var/backups/acme
parallelism: 8
sink:
  kind: dolt
  dsn: root@tcp(127.0.0.1:3306)/backupforce
  recreate: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Source.Name)
	assert.Equal(t, "https://prod.my.salesforce.com", cfg.Source.BaseURL)
	assert.Equal(t, "/var/backups/acme", cfg.OutputRoot)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, "dolt", cfg.Sink.Kind)
	assert.True(t, cfg.Sink.Recreate)
}

func TestLoadClampsParallelism(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backupforce.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallelism: 100\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Parallelism)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/backupforce.yaml")
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BACKUPFORCE_PARALLELISM", "3")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Parallelism)
}
