package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dealflow/internal/config"
)

func TestResolveTenantPrefersOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(TenantEnvKey, "from-env")
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("from-file")), 0o644))

	tenant, cfg, err := ResolveTenantAndConfig(dir, "flag")
	require.NoError(t, err)
	require.Equal(t, "flag", tenant)
	require.Equal(t, "flag", cfg.Tenant.ID)

	tenant, _, err = ResolveTenantAndConfig(dir, "")
	require.NoError(t, err)
	require.Equal(t, "from-env", tenant)

	t.Setenv(TenantEnvKey, "")
	tenant, _, err = ResolveTenantAndConfig(dir, "")
	require.NoError(t, err)
	require.Equal(t, "from-file", tenant)
}

func TestResolveTenantWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(TenantEnvKey, "")
	_, _, err := ResolveTenantAndConfig(dir, "")
	require.Error(t, err)

	tenant, cfg, err := ResolveTenantAndConfig(dir, "acme")
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)
	require.True(t, cfg.AutoProvision())
	require.Equal(t, config.DefaultCurrency, cfg.Currency())
}

func TestUseTenantRewritesEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DEALFLOW_JWT_SECRET=s3cret\nDEALFLOW_TENANT=old\n"), 0o644))

	require.NoError(t, UseTenant(dir, "new"))
	data, err := os.ReadFile(EnvPath(dir))
	require.NoError(t, err)
	require.Contains(t, string(data), `DEALFLOW_TENANT="new"`)
	require.Contains(t, string(data), "DEALFLOW_JWT_SECRET")
	require.NotContains(t, string(data), "old")

	require.Error(t, UseTenant(dir, " "))
}

func TestLoadEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadEnv(t.TempDir()))
}
