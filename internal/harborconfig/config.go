// Package harborconfig loads and validates process configuration
// (spec.md §6): a YAML file with defaults applied, then environment
// variable overrides, in that order.
//
// Grounded on bnema/gordon's internal/common/init_config.go: a single
// YAML-tagged Config struct, an applyDefaults pass over zero-valued
// fields, and a loadConfigFromEnv pass reading GORDON_*-style
// variables — renamed here to the HARBORGATE_ prefix and restructured
// around spec.md §6's option table instead of gordon's.
package harborconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CertProvider selects how certificates are obtained (spec.md §4.7).
type CertProvider string

const (
	ProviderSelfSigned  CertProvider = "SelfSigned"
	ProviderLetsEncrypt CertProvider = "LetsEncrypt"
)

// ConfigError marks a fatal configuration problem (spec.md §6:
// "Fatal at startup. Process exits with a diagnostic message.").
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "harborconfig: " + e.Reason }

// Config is the full process configuration.
type Config struct {
	HTTP  HTTPConfig  `yaml:"http"`
	Cert  CertConfig  `yaml:"certificates"`
	ACME  ACMEConfig  `yaml:"acme"`
	OIDC  OIDCConfig  `yaml:"oidc"`
	Store StoreConfig `yaml:"storage"`
}

type HTTPConfig struct {
	Port            int  `yaml:"port"`
	HTTPSPort       int  `yaml:"httpsPort"`
	HTTPSEnabled    bool `yaml:"httpsEnabled"`
	RedirectToHTTPS bool `yaml:"redirectToHttps"`
}

type CertConfig struct {
	StoragePath string       `yaml:"storagePath"`
	Provider    CertProvider `yaml:"provider"`
}

type ACMEConfig struct {
	Email              string `yaml:"email"`
	TermsOfServiceOK   bool   `yaml:"tosAccepted"`
	Staging            bool   `yaml:"staging"`
	DirectoryURL       string `yaml:"directoryUrl"`
	InsecureSkipVerify bool   `yaml:"skipVerify"`
}

type OIDCConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Authority            string `yaml:"authority"`
	ClientID             string `yaml:"clientId"`
	ClientSecret         string `yaml:"clientSecret"`
	CallbackPath         string `yaml:"callbackPath"`
	RoleClaimType        string `yaml:"roleClaimType"`
	RequireHTTPSMetadata bool   `yaml:"requireHttpsMetadata"`
	SaveTokens           bool   `yaml:"saveTokens"`
	PublicOrigin         string `yaml:"publicOrigin"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// defaults mirrors spec.md §6's default values.
var defaults = Config{
	HTTP: HTTPConfig{
		Port:            80,
		HTTPSPort:       443,
		HTTPSEnabled:    true,
		RedirectToHTTPS: true,
	},
	Cert: CertConfig{
		StoragePath: "/var/lib/harborgate/certs",
		Provider:    ProviderSelfSigned,
	},
	ACME: ACMEConfig{
		Staging: false,
	},
	OIDC: OIDCConfig{
		CallbackPath:         "/signin-oidc",
		RoleClaimType:        "roles",
		RequireHTTPSMetadata: true,
	},
	Store: StoreConfig{
		Dir: "/var/lib/harborgate",
	},
}

// Load reads path (if non-empty and present), applies defaults to any
// zero-valued field, layers environment variable overrides on top,
// then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("harborconfig: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("harborconfig: parse %s: %w", path, err)
			}
		}
	}

	applyDefaults(&cfg)
	loadFromEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaults.HTTP.Port
	}
	if cfg.HTTP.HTTPSPort == 0 {
		cfg.HTTP.HTTPSPort = defaults.HTTP.HTTPSPort
	}
	if cfg.Cert.StoragePath == "" {
		cfg.Cert.StoragePath = defaults.Cert.StoragePath
	}
	if cfg.Cert.Provider == "" {
		cfg.Cert.Provider = defaults.Cert.Provider
	}
	if cfg.OIDC.CallbackPath == "" {
		cfg.OIDC.CallbackPath = defaults.OIDC.CallbackPath
	}
	if cfg.OIDC.RoleClaimType == "" {
		cfg.OIDC.RoleClaimType = defaults.OIDC.RoleClaimType
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = defaults.Store.Dir
	}
}

// loadFromEnv applies spec.md §6's environment-variable overrides.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("HARBORGATE_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("HARBORGATE_HTTPS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.HTTPSPort = n
		}
	}
	if v := os.Getenv("HARBORGATE_HTTPS_ENABLED"); v != "" {
		cfg.HTTP.HTTPSEnabled = parseBool(v, cfg.HTTP.HTTPSEnabled)
	}
	if v := os.Getenv("HARBORGATE_REDIRECT_TO_HTTPS"); v != "" {
		cfg.HTTP.RedirectToHTTPS = parseBool(v, cfg.HTTP.RedirectToHTTPS)
	}
	if v := os.Getenv("HARBORGATE_CERT_STORAGE_PATH"); v != "" {
		cfg.Cert.StoragePath = v
	}
	if v := os.Getenv("HARBORGATE_CERT_PROVIDER"); v != "" {
		cfg.Cert.Provider = CertProvider(v)
	}
	if v := os.Getenv("HARBORGATE_ACME_EMAIL"); v != "" {
		cfg.ACME.Email = v
	}
	if v := os.Getenv("HARBORGATE_ACME_TOS_ACCEPTED"); v != "" {
		cfg.ACME.TermsOfServiceOK = parseBool(v, cfg.ACME.TermsOfServiceOK)
	}
	if v := os.Getenv("HARBORGATE_ACME_STAGING"); v != "" {
		cfg.ACME.Staging = parseBool(v, cfg.ACME.Staging)
	}
	if v := os.Getenv("HARBORGATE_ACME_DIRECTORY_URL"); v != "" {
		cfg.ACME.DirectoryURL = v
	}
	if v := os.Getenv("HARBORGATE_ACME_SKIP_VERIFY"); v != "" {
		cfg.ACME.InsecureSkipVerify = parseBool(v, cfg.ACME.InsecureSkipVerify)
	}
	if v := os.Getenv("HARBORGATE_OIDC_ENABLED"); v != "" {
		cfg.OIDC.Enabled = parseBool(v, cfg.OIDC.Enabled)
	}
	if v := os.Getenv("HARBORGATE_OIDC_AUTHORITY"); v != "" {
		cfg.OIDC.Authority = v
	}
	if v := os.Getenv("HARBORGATE_OIDC_CLIENT_ID"); v != "" {
		cfg.OIDC.ClientID = v
	}
	if v := os.Getenv("HARBORGATE_OIDC_CLIENT_SECRET"); v != "" {
		cfg.OIDC.ClientSecret = v
	}
	if v := os.Getenv("HARBORGATE_OIDC_CALLBACK_PATH"); v != "" {
		cfg.OIDC.CallbackPath = v
	}
	if v := os.Getenv("HARBORGATE_OIDC_ROLE_CLAIM_TYPE"); v != "" {
		cfg.OIDC.RoleClaimType = v
	}
	if v := os.Getenv("HARBORGATE_OIDC_REQUIRE_HTTPS_METADATA"); v != "" {
		cfg.OIDC.RequireHTTPSMetadata = parseBool(v, cfg.OIDC.RequireHTTPSMetadata)
	}
	if v := os.Getenv("HARBORGATE_OIDC_SAVE_TOKENS"); v != "" {
		cfg.OIDC.SaveTokens = parseBool(v, cfg.OIDC.SaveTokens)
	}
	if v := os.Getenv("HARBORGATE_OIDC_PUBLIC_ORIGIN"); v != "" {
		cfg.OIDC.PublicOrigin = v
	}
	if v := os.Getenv("HARBORGATE_STORAGE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// validate implements spec.md §6's fatal-configuration table: missing
// ACME email, unknown provider name.
func validate(cfg *Config) error {
	switch cfg.Cert.Provider {
	case ProviderSelfSigned:
	case ProviderLetsEncrypt:
		if cfg.ACME.Email == "" {
			return &ConfigError{Reason: "certificates.provider=LetsEncrypt requires acme.email"}
		}
		if !cfg.ACME.TermsOfServiceOK {
			return &ConfigError{Reason: "acme.tosAccepted must be true to use LetsEncrypt"}
		}
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown certificates.provider %q", cfg.Cert.Provider)}
	}

	if cfg.OIDC.Enabled {
		if cfg.OIDC.Authority == "" {
			return &ConfigError{Reason: "oidc.enabled requires oidc.authority"}
		}
		if cfg.OIDC.ClientID == "" || cfg.OIDC.ClientSecret == "" {
			return &ConfigError{Reason: "oidc.enabled requires oidc.clientId and oidc.clientSecret"}
		}
		if cfg.OIDC.PublicOrigin == "" {
			return &ConfigError{Reason: "oidc.enabled requires oidc.publicOrigin"}
		}
	}

	return nil
}
