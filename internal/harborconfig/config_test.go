package harborconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"HARBORGATE_HTTP_PORT", "HARBORGATE_HTTPS_PORT", "HARBORGATE_HTTPS_ENABLED",
		"HARBORGATE_REDIRECT_TO_HTTPS", "HARBORGATE_CERT_STORAGE_PATH", "HARBORGATE_CERT_PROVIDER",
		"HARBORGATE_ACME_EMAIL", "HARBORGATE_ACME_TOS_ACCEPTED", "HARBORGATE_ACME_STAGING",
		"HARBORGATE_ACME_DIRECTORY_URL", "HARBORGATE_ACME_SKIP_VERIFY", "HARBORGATE_OIDC_ENABLED",
		"HARBORGATE_OIDC_AUTHORITY", "HARBORGATE_OIDC_CLIENT_ID", "HARBORGATE_OIDC_CLIENT_SECRET",
		"HARBORGATE_OIDC_CALLBACK_PATH", "HARBORGATE_OIDC_ROLE_CLAIM_TYPE",
		"HARBORGATE_OIDC_REQUIRE_HTTPS_METADATA", "HARBORGATE_OIDC_SAVE_TOKENS",
		"HARBORGATE_OIDC_PUBLIC_ORIGIN", "HARBORGATE_STORAGE_DIR",
	}
	for _, v := range vars {
		require.NoError(t, os.Unsetenv(v))
	}
}

func TestLoadAppliesDefaultsWhenNoFileOrEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 80, cfg.HTTP.Port)
	require.Equal(t, 443, cfg.HTTP.HTTPSPort)
	require.True(t, cfg.HTTP.HTTPSEnabled)
	require.Equal(t, ProviderSelfSigned, cfg.Cert.Provider)
	require.Equal(t, "/signin-oidc", cfg.OIDC.CallbackPath)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 8080
certificates:
  provider: SelfSigned
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, 443, cfg.HTTP.HTTPSPort) // default filled in
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_HTTP_PORT", "9090")
	t.Setenv("HARBORGATE_HTTPS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.HTTP.Port)
	require.False(t, cfg.HTTP.HTTPSEnabled)
}

func TestLoadRejectsLetsEncryptWithoutEmail(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_CERT_PROVIDER", "LetsEncrypt")
	t.Setenv("HARBORGATE_ACME_TOS_ACCEPTED", "true")

	_, err := Load("")
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsLetsEncryptWithoutTOSAcceptance(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_CERT_PROVIDER", "LetsEncrypt")
	t.Setenv("HARBORGATE_ACME_EMAIL", "ops@example.com")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAcceptsLetsEncryptWithEmailAndTOS(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_CERT_PROVIDER", "LetsEncrypt")
	t.Setenv("HARBORGATE_ACME_EMAIL", "ops@example.com")
	t.Setenv("HARBORGATE_ACME_TOS_ACCEPTED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ProviderLetsEncrypt, cfg.Cert.Provider)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_CERT_PROVIDER", "Bogus")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsIncompleteOIDCConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_OIDC_ENABLED", "true")
	t.Setenv("HARBORGATE_OIDC_AUTHORITY", "https://idp.example.com")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAcceptsCompleteOIDCConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("HARBORGATE_OIDC_ENABLED", "true")
	t.Setenv("HARBORGATE_OIDC_AUTHORITY", "https://idp.example.com")
	t.Setenv("HARBORGATE_OIDC_CLIENT_ID", "client")
	t.Setenv("HARBORGATE_OIDC_CLIENT_SECRET", "secret")
	t.Setenv("HARBORGATE_OIDC_PUBLIC_ORIGIN", "https://proxy.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.OIDC.Enabled)
}
