package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBackendEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYGATE_BACKEND_REFRESH_TOKEN", "test-refresh-token")
	t.Setenv("KEYGATE_BACKEND_APP_KEY", "test-app-key")
	t.Setenv("KEYGATE_BACKEND_APP_SECRET", "test-app-secret")
}

func TestLoad_FromEnvironment(t *testing.T) {
	setBackendEnv(t)
	t.Setenv("KEYGATE_SERVER_PORT", "9090")
	t.Setenv("KEYGATE_STORAGE_LICENSE_DIR", "/lic")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/lic", cfg.Storage.LicenseDir)
	assert.Equal(t, "test-refresh-token", cfg.Backend.RefreshToken)
	// Untouched fields keep their defaults
	assert.Equal(t, "/loader", cfg.Storage.LoaderDir)
	assert.Equal(t, 30*time.Second, cfg.Backend.RequestTimeout)
}

func TestLoad_MissingCredentialsIsFatal(t *testing.T) {
	tests := []struct {
		name    string
		missing string
	}{
		{name: "missing refresh token", missing: "KEYGATE_BACKEND_REFRESH_TOKEN"},
		{name: "missing app key", missing: "KEYGATE_BACKEND_APP_KEY"},
		{name: "missing app secret", missing: "KEYGATE_BACKEND_APP_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBackendEnv(t)
			t.Setenv(tt.missing, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "required")
		})
	}
}

func TestLoad_ConfigFileOverlay(t *testing.T) {
	setBackendEnv(t)

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	yaml := []byte("server:\n  port: 7070\nstorage:\n  loader_dir: /artifacts\n")
	require.NoError(t, os.WriteFile("config.yaml", yaml, 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/artifacts", cfg.Storage.LoaderDir)

	// Environment still wins over the file
	t.Setenv("KEYGATE_SERVER_PORT", "7071")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 7071, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default with credentials is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero backend timeout",
			mutate:  func(c *Config) { c.Backend.RequestTimeout = 0 },
			wantErr: "timeout must be positive",
		},
		{
			name:    "empty storage layout",
			mutate:  func(c *Config) { c.Storage.RatingsPath = "" },
			wantErr: "storage layout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Backend.RefreshToken = "r"
			cfg.Backend.AppKey = "k"
			cfg.Backend.AppSecret = "s"
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
