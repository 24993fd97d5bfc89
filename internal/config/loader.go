package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	if cfg.Catalog.Port == 0 {
		cfg.Catalog.Port = cfg.Catalog.DefaultPort()
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	cfg.Imagery.MetadataPath = expandEnvVar(cfg.Imagery.MetadataPath)
	cfg.Imagery.ImageDir = expandEnvVar(cfg.Imagery.ImageDir)

	cfg.Index.Path = expandEnvVar(cfg.Index.Path)
	cfg.Index.Redis.Addr = expandEnvVar(cfg.Index.Redis.Addr)
	cfg.Index.Redis.Password = expandEnvVar(cfg.Index.Redis.Password)

	cfg.Catalog.Host = expandEnvVar(cfg.Catalog.Host)
	cfg.Catalog.User = expandEnvVar(cfg.Catalog.User)
	cfg.Catalog.Password = expandEnvVar(cfg.Catalog.Password)
	cfg.Catalog.Database = expandEnvVar(cfg.Catalog.Database)

	cfg.Colmap.Binary = expandEnvVar(cfg.Colmap.Binary)
	cfg.Colmap.DatabasePath = expandEnvVar(cfg.Colmap.DatabasePath)
	cfg.Colmap.WorkDir = expandEnvVar(cfg.Colmap.WorkDir)

	cfg.Snapshots.Dir = expandEnvVar(cfg.Snapshots.Dir)
	cfg.Snapshots.DynamoDB.Table = expandEnvVar(cfg.Snapshots.DynamoDB.Table)
	cfg.Snapshots.DynamoDB.Region = expandEnvVar(cfg.Snapshots.DynamoDB.Region)
	cfg.Snapshots.Mirror.Bucket = expandEnvVar(cfg.Snapshots.Mirror.Bucket)
	cfg.Snapshots.Mirror.Endpoint = expandEnvVar(cfg.Snapshots.Mirror.Endpoint)
	cfg.Snapshots.Mirror.AccessKey = expandEnvVar(cfg.Snapshots.Mirror.AccessKey)
	cfg.Snapshots.Mirror.SecretKey = expandEnvVar(cfg.Snapshots.Mirror.SecretKey)

	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, workers, inlierThreshold int, skipVerify bool) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if workers > 0 {
		c.Processing.Workers = workers
	}
	if inlierThreshold > 0 {
		c.Expansion.InlierThreshold = inlierThreshold
	}
	if skipVerify {
		c.Verification.SkipVerification = true
	}
}
