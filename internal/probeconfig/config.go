// Package probeconfig loads the probe's process-level configuration (spec.md
// §6): YAML via gopkg.in/yaml.v3, defaults filled in the style of muster's
// internal/config/{loader,defaults}.go, and validation that collects every
// field-level problem before returning, in the style of
// internal/config/validation.go.
package probeconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// VaultAuthMode is one of the vault authentication strategies spec.md §6
// names.
type VaultAuthMode string

const (
	VaultAuthIAMRole         VaultAuthMode = "iam-role"
	VaultAuthManagedIdentity VaultAuthMode = "managed-identity"
	VaultAuthServiceAccount  VaultAuthMode = "service-account"
	VaultAuthStatic          VaultAuthMode = "static"
)

// VaultConfig configures how the probe authenticates to and reaches the
// credential vault.
type VaultConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Auth           VaultAuthMode `yaml:"auth"`
	StaticToken    string        `yaml:"staticToken,omitempty"`
	StaticTokenEnv string        `yaml:"staticTokenEnv,omitempty"`
}

// QueueConfig bounds how many tests the scheduler tracks at once.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// ExecutionConfig governs per-test execution timing.
type ExecutionConfig struct {
	PoisonPillMs int `yaml:"poisonPillMs"`
}

// StorageConfig is the object storage backend feature files are downloaded
// from and evidence is uploaded to.
type StorageConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// IOConfig holds io.blockingPoolSize. Load defaults it and Validate checks
// it, but no component reads it: blocking I/O (object storage reads, vault
// HTTP calls, Kafka client calls) is not bounded by a shared pool.
type IOConfig struct {
	BlockingPoolSize int `yaml:"blockingPoolSize,omitempty"`
}

// HTTPConfig is the façade's own listen address.
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
}

// Config is the top-level process configuration (spec.md §6's required keys
// plus the ambient HTTP listen address SPEC_FULL.md adds).
type Config struct {
	SchemaRegistry struct {
		URL string `yaml:"url"`
	} `yaml:"schemaRegistry"`
	Vault             VaultConfig     `yaml:"vault"`
	Queue             QueueConfig     `yaml:"queue"`
	Execution         ExecutionConfig `yaml:"execution"`
	Kafka             struct {
		BootstrapServers []string `yaml:"bootstrapServers"`
	} `yaml:"kafka"`
	Storage           StorageConfig `yaml:"storage"`
	IO                IOConfig      `yaml:"io"`
	HTTP              HTTPConfig    `yaml:"http"`
	MappingFilePath   string        `yaml:"mappingFilePath"`
}

// defaults mirrors internal/config/defaults.go: fields a deployment rarely
// needs to set explicitly.
func defaults() Config {
	var c Config
	c.IO.BlockingPoolSize = 8
	c.HTTP.ListenAddr = ":8080"
	c.MappingFilePath = "credentials-mapping.yaml"
	return c
}

// Load reads path, overlays it onto defaults(), resolves the vault token's
// environment-variable indirection, and validates the result. A missing file is itself a
// FatalBooting-class error (the caller is expected to wrap it as such); the
// validation step never mutates the config, only inspects it.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, NewConfigurationError(path, "file", "read", err.Error())
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, NewConfigurationError(path, "file", "parse", err.Error())
	}

	if err := resolveSecrets(&cfg); err != nil {
		return Config{}, err
	}

	if errs := Validate(cfg); errs.HasErrors() {
		logging.Error("probeconfig", errs, "configuration failed validation: %s", errs.Error())
		return Config{}, errs
	}
	return cfg, nil
}

// resolveSecrets reads vault.staticTokenEnv into vault.staticToken when the
// latter is empty, the same file/env-indirection idiom
// internal/config/loader.go's resolveSecretFiles uses for OAuth secrets.
func resolveSecrets(cfg *Config) error {
	if cfg.Vault.Auth == VaultAuthStatic && cfg.Vault.StaticToken == "" && cfg.Vault.StaticTokenEnv != "" {
		token := os.Getenv(cfg.Vault.StaticTokenEnv)
		if token == "" {
			return NewConfigurationError("vault.staticTokenEnv", cfg.Vault.StaticTokenEnv, "resolve",
				fmt.Sprintf("environment variable %s is unset or empty", cfg.Vault.StaticTokenEnv))
		}
		cfg.Vault.StaticToken = token
	}
	return nil
}
