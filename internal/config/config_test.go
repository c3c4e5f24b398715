package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgecomet/engine/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndParsesDurations(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
cache:
  default_ttl: "2h"
  manifest_ttl: "10s"
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "2h0m0s", cfg.Cache.DefaultTTL.String())
	require.Equal(t, "memory", cfg.ObjectStore.Backend)
	require.Equal(t, types.AdmissionOpen, cfg.Admission.Mode)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  bogus_field: true\n")
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestValidateRequiresAllowlistForListMode(t *testing.T) {
	cfg := Default()
	cfg.Admission.Mode = types.AdmissionList
	require.Error(t, cfg.Validate())

	cfg.Admission.Allowlist = []string{"example.com"}
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresRedisForRegisteredMode(t *testing.T) {
	cfg := Default()
	cfg.Admission.Mode = types.AdmissionRegistered
	require.Error(t, cfg.Validate())

	cfg.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresBucketForS3Backend(t *testing.T) {
	cfg := Default()
	cfg.ObjectStore.Backend = "s3"
	require.Error(t, cfg.Validate())

	cfg.ObjectStore.S3Bucket = "media-cache"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsSameListenAddress(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Listen = cfg.Server.Listen
	require.Error(t, cfg.Validate())
}

func TestEnvOverridesApply(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \":8080\"\n")
	t.Setenv("MEDIAPROXY_LISTEN", ":7000")
	t.Setenv("MEDIAPROXY_DEBUG", "true")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Listen)
	require.True(t, cfg.Debug)
}

func TestExtendedDurationSuffixes(t *testing.T) {
	path := writeConfig(t, "cache:\n  default_ttl: \"7d\"\n")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "168h0m0s", cfg.Cache.DefaultTTL.String())
}
