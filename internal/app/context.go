package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"dealflow/internal/config"
)

// TenantEnvKey selects the tenant when no flag is given.
const TenantEnvKey = "DEALFLOW_TENANT"

// EnvPath returns the workspace .env path.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv loads the workspace .env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(workspace string) error {
	err := godotenv.Load(EnvPath(workspace))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ResolveTenantAndConfig picks the active tenant and its config. The tenant
// comes from the override, then DEALFLOW_TENANT, then dealflow.yml. Without a
// config file the built-in defaults are used.
func ResolveTenantAndConfig(workspace, tenantOverride string) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	tenantID := strings.TrimSpace(tenantOverride)
	if tenantID == "" {
		tenantID = strings.TrimSpace(os.Getenv(TenantEnvKey))
	}
	if tenantID == "" && cfg != nil {
		tenantID = cfg.Tenant.ID
	}
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant not specified; use --tenant, %s or dealflow config init", TenantEnvKey)
	}
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

// UseTenant persists the tenant selection in the workspace .env.
func UseTenant(workspace, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	path := EnvPath(workspace)
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[TenantEnvKey] = tenantID
	return godotenv.Write(env, path)
}
