package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateImagery()...)
	errors = append(errors, c.validatePartition()...)
	errors = append(errors, c.validatePairing()...)
	errors = append(errors, c.validateExpansion()...)
	errors = append(errors, c.validateIndex()...)
	errors = append(errors, c.validateDatabase("catalog", &c.Catalog)...)
	errors = append(errors, c.validateReconstruction()...)
	errors = append(errors, c.validateSnapshots()...)

	if c.Processing.Workers <= 0 {
		errors = append(errors, ValidationError{
			Field:   "processing.workers",
			Message: "workers must be positive",
		})
	}

	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateImagery() ValidationErrors {
	var errors ValidationErrors

	if c.Imagery.MetadataPath == "" {
		errors = append(errors, ValidationError{
			Field:   "imagery.metadata_path",
			Message: "metadata_path is required",
		})
	}

	return errors
}

func (c *Config) validatePartition() ValidationErrors {
	var errors ValidationErrors
	p := c.Partition

	if p.BoxSizeMeters <= 0 {
		errors = append(errors, ValidationError{
			Field:   "partition.box_size_meters",
			Message: "box_size_meters must be positive",
		})
	}

	if p.MarginMeters < 0 {
		errors = append(errors, ValidationError{
			Field:   "partition.margin_meters",
			Message: "margin_meters cannot be negative",
		})
	}

	if p.BoxSizeMeters > 0 && p.MarginMeters*2 >= p.BoxSizeMeters {
		errors = append(errors, ValidationError{
			Field:   "partition.margin_meters",
			Message: "margin_meters must be less than half of box_size_meters",
		})
	}

	if p.MaxPairsPerBox <= 0 {
		errors = append(errors, ValidationError{
			Field:   "partition.max_pairs_per_box",
			Message: "max_pairs_per_box must be positive",
		})
	}

	if p.MinBoxSizeMeters <= 0 || p.MinBoxSizeMeters > p.BoxSizeMeters {
		errors = append(errors, ValidationError{
			Field:   "partition.min_box_size_meters",
			Message: "min_box_size_meters must be positive and at most box_size_meters",
		})
	}

	return errors
}

func (c *Config) validatePairing() ValidationErrors {
	var errors ValidationErrors

	if c.Pairing.Neighbors <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pairing.neighbors",
			Message: "neighbors must be positive",
		})
	}

	if c.Pairing.MaxDistanceMeters < 0 {
		errors = append(errors, ValidationError{
			Field:   "pairing.max_distance_meters",
			Message: "max_distance_meters cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateExpansion() ValidationErrors {
	var errors ValidationErrors
	e := c.Expansion

	if e.InlierThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "expansion.inlier_threshold",
			Message: "inlier_threshold must be positive",
		})
	} else if e.InlierThreshold < DefaultInlierThreshold && !e.AllowThresholdOverride {
		errors = append(errors, ValidationError{
			Field:   "expansion.inlier_threshold",
			Message: fmt.Sprintf("inlier_threshold below %d requires allow_threshold_override", DefaultInlierThreshold),
		})
	}

	if e.MaxRounds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "expansion.max_rounds",
			Message: "max_rounds must be positive",
		})
	}

	if e.MinGrowth < 0 || e.MinGrowth >= 1 {
		errors = append(errors, ValidationError{
			Field:   "expansion.min_growth",
			Message: "min_growth must be in [0, 1)",
		})
	}

	if e.PairBudget <= 0 {
		errors = append(errors, ValidationError{
			Field:   "expansion.pair_budget",
			Message: "pair_budget must be positive",
		})
	}

	return errors
}

func (c *Config) validateIndex() ValidationErrors {
	var errors ValidationErrors

	if c.Index.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "index.path",
			Message: "path is required",
		})
	}

	if c.Index.Redis.Enabled && c.Index.Redis.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "index.redis.addr",
			Message: "addr is required when redis is enabled",
		})
	}

	return errors
}

func (c *Config) validateDatabase(prefix string, db *DatabaseConfig) ValidationErrors {
	var errors ValidationErrors

	validDrivers := map[string]bool{"mysql": true, "postgres": true, "sqlite": true}
	if !validDrivers[db.Driver] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".driver",
			Message: "driver must be 'mysql', 'postgres', or 'sqlite'",
		})
		return errors
	}

	if db.Database == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".database",
			Message: "database name is required",
		})
	}

	if db.Driver != "sqlite" {
		if db.Host == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".host",
				Message: "host is required",
			})
		}

		if db.Port <= 0 || db.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".port",
				Message: "port must be between 1 and 65535",
			})
		}

		if db.User == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".user",
				Message: "user is required",
			})
		}
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[db.TLS] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if db.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if db.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_idle_connections",
			Message: "max_idle_connections cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateReconstruction() ValidationErrors {
	var errors ValidationErrors
	r := c.Reconstruction

	if r.MinInitInliers <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.min_init_inliers",
			Message: "min_init_inliers must be positive",
		})
	}

	if r.MinSeparationMeters < 0 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.min_separation_meters",
			Message: "min_separation_meters cannot be negative",
		})
	}

	if r.TargetRatio <= 0 || r.TargetRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.target_ratio",
			Message: "target_ratio must be in (0, 1]",
		})
	}

	if r.SnapshotInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.snapshot_interval",
			Message: "snapshot_interval must be positive",
		})
	}

	if r.MaxRefineFailures <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.max_refine_failures",
			Message: "max_refine_failures must be positive",
		})
	}

	if r.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if r.RetryEscalation < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconstruction.retry_escalation",
			Message: "retry_escalation must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateSnapshots() ValidationErrors {
	var errors ValidationErrors
	s := c.Snapshots

	if s.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "snapshots.dir",
			Message: "dir is required",
		})
	}

	validCompression := map[string]bool{"zstd": true, "lz4": true, "none": true, "": true}
	if !validCompression[s.Compression] {
		errors = append(errors, ValidationError{
			Field:   "snapshots.compression",
			Message: "compression must be 'zstd', 'lz4', or 'none'",
		})
	}

	switch s.Head {
	case "", "file":
	case "dynamodb":
		if s.DynamoDB.Table == "" {
			errors = append(errors, ValidationError{
				Field:   "snapshots.dynamodb.table",
				Message: "table is required when head is 'dynamodb'",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "snapshots.head",
			Message: "head must be 'file' or 'dynamodb'",
		})
	}

	switch s.Mirror.Backend {
	case "", "none":
	case "s3", "minio":
		if s.Mirror.Bucket == "" {
			errors = append(errors, ValidationError{
				Field:   "snapshots.mirror.bucket",
				Message: "bucket is required when a mirror backend is set",
			})
		}
		if s.Mirror.Backend == "minio" && s.Mirror.Endpoint == "" {
			errors = append(errors, ValidationError{
				Field:   "snapshots.mirror.endpoint",
				Message: "endpoint is required for minio",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "snapshots.mirror.backend",
			Message: "backend must be 'none', 's3', or 'minio'",
		})
	}

	if s.Mirror.RateLimitMBps < 0 {
		errors = append(errors, ValidationError{
			Field:   "snapshots.mirror.rate_limit_mbps",
			Message: "rate_limit_mbps cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateVerification() ValidationErrors {
	var errors ValidationErrors

	validMethods := map[string]bool{"count": true, "sha256": true, "": true}
	if !validMethods[c.Verification.Method] {
		errors = append(errors, ValidationError{
			Field:   "verification.method",
			Message: "method must be 'count' or 'sha256'",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
