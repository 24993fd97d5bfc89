// Package config provides configuration structures and loading for geomatch.
package config

// Config represents the complete application configuration.
type Config struct {
	Imagery        ImageryConfig        `yaml:"imagery" mapstructure:"imagery"`
	Partition      PartitionConfig      `yaml:"partition" mapstructure:"partition"`
	Pairing        PairingConfig        `yaml:"pairing" mapstructure:"pairing"`
	Expansion      ExpansionConfig      `yaml:"expansion" mapstructure:"expansion"`
	Index          IndexConfig          `yaml:"index" mapstructure:"index"`
	Catalog        DatabaseConfig       `yaml:"catalog" mapstructure:"catalog"`
	Colmap         ColmapConfig         `yaml:"colmap" mapstructure:"colmap"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction" mapstructure:"reconstruction"`
	Snapshots      SnapshotConfig       `yaml:"snapshots" mapstructure:"snapshots"`
	Processing     ProcessingConfig     `yaml:"processing" mapstructure:"processing"`
	Verification   VerificationConfig   `yaml:"verification" mapstructure:"verification"`
	Metrics        MetricsConfig        `yaml:"metrics" mapstructure:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" mapstructure:"logging"`
}

// ImageryConfig describes where image records and image bytes live.
type ImageryConfig struct {
	MetadataPath string `yaml:"metadata_path" mapstructure:"metadata_path"` // downloader metadata JSON
	ImageDir     string `yaml:"image_dir" mapstructure:"image_dir"`
	AllowMissing bool   `yaml:"allow_missing" mapstructure:"allow_missing"` // skip records without coordinates
	ExifFallback bool   `yaml:"exif_fallback" mapstructure:"exif_fallback"` // read GPS tags from the images when metadata lacks them
}

// PartitionConfig controls box sizing.
type PartitionConfig struct {
	BoxSizeMeters    float64 `yaml:"box_size_meters" mapstructure:"box_size_meters"`
	MarginMeters     float64 `yaml:"margin_meters" mapstructure:"margin_meters"`
	MaxPairsPerBox   int     `yaml:"max_pairs_per_box" mapstructure:"max_pairs_per_box"` // ceiling on n*(n-1)/2
	MinBoxSizeMeters float64 `yaml:"min_box_size_meters" mapstructure:"min_box_size_meters"`
}

// PairingConfig controls initial candidate generation.
type PairingConfig struct {
	Neighbors         int     `yaml:"neighbors" mapstructure:"neighbors"`
	MaxDistanceMeters float64 `yaml:"max_distance_meters" mapstructure:"max_distance_meters"` // 0 disables the cutoff
	OutputDir         string  `yaml:"output_dir" mapstructure:"output_dir"`
}

// ExpansionConfig controls the query expansion rounds.
type ExpansionConfig struct {
	InlierThreshold        int     `yaml:"inlier_threshold" mapstructure:"inlier_threshold"`
	MaxRounds              int     `yaml:"max_rounds" mapstructure:"max_rounds"`
	MinGrowth              float64 `yaml:"min_growth" mapstructure:"min_growth"`
	PairBudget             int     `yaml:"pair_budget" mapstructure:"pair_budget"` // per box pair
	AllowThresholdOverride bool    `yaml:"allow_threshold_override" mapstructure:"allow_threshold_override"`
}

// IndexConfig locates the match store index and its optional cache.
type IndexConfig struct {
	Path  string      `yaml:"path" mapstructure:"path"`
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the neighbor-list cache.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr       string `yaml:"addr" mapstructure:"addr"`
	Password   string `yaml:"password" mapstructure:"password"`
	DB         int    `yaml:"db" mapstructure:"db"`
	TTLSeconds int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// DatabaseConfig represents the catalog database connection.
type DatabaseConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"` // mysql, postgres, sqlite
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"` // file path for sqlite
	TLS                string `yaml:"tls" mapstructure:"tls"`           // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
}

// ColmapConfig configures the external engine.
type ColmapConfig struct {
	Binary        string   `yaml:"binary" mapstructure:"binary"`
	DatabasePath  string   `yaml:"database_path" mapstructure:"database_path"` // global match store
	UsePosePriors bool     `yaml:"use_pose_priors" mapstructure:"use_pose_priors"`
	UseGPU        bool     `yaml:"use_gpu" mapstructure:"use_gpu"`
	ExtraArgs     []string `yaml:"extra_args" mapstructure:"extra_args"`
	WorkDir       string   `yaml:"work_dir" mapstructure:"work_dir"`
}

// ReconstructionConfig controls the coordinator.
type ReconstructionConfig struct {
	MinInitInliers      int     `yaml:"min_init_inliers" mapstructure:"min_init_inliers"`
	MinSeparationMeters float64 `yaml:"min_separation_meters" mapstructure:"min_separation_meters"`
	TargetRatio         float64 `yaml:"target_ratio" mapstructure:"target_ratio"`
	SnapshotInterval    int     `yaml:"snapshot_interval" mapstructure:"snapshot_interval"`
	MaxRefineFailures   int     `yaml:"max_refine_failures" mapstructure:"max_refine_failures"`
	MaxRetries          int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryEscalation     float64 `yaml:"retry_escalation" mapstructure:"retry_escalation"`
	LockTimeoutSeconds  int     `yaml:"lock_timeout_seconds" mapstructure:"lock_timeout_seconds"`
}

// SnapshotConfig configures snapshot storage.
type SnapshotConfig struct {
	Dir         string         `yaml:"dir" mapstructure:"dir"`
	Compression string         `yaml:"compression" mapstructure:"compression"` // zstd, lz4, none
	Head        string         `yaml:"head" mapstructure:"head"`               // file or dynamodb
	DynamoDB    DynamoDBConfig `yaml:"dynamodb" mapstructure:"dynamodb"`
	Mirror      MirrorConfig   `yaml:"mirror" mapstructure:"mirror"`
}

// DynamoDBConfig configures the DynamoDB head pointer table.
type DynamoDBConfig struct {
	Table    string `yaml:"table" mapstructure:"table"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// MirrorConfig configures off-machine snapshot copies.
type MirrorConfig struct {
	Backend       string  `yaml:"backend" mapstructure:"backend"` // none, s3, minio
	Bucket        string  `yaml:"bucket" mapstructure:"bucket"`
	Prefix        string  `yaml:"prefix" mapstructure:"prefix"`
	Region        string  `yaml:"region" mapstructure:"region"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey     string  `yaml:"access_key" mapstructure:"access_key"`
	SecretKey     string  `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL        bool    `yaml:"use_ssl" mapstructure:"use_ssl"`
	RateLimitMBps float64 `yaml:"rate_limit_mbps" mapstructure:"rate_limit_mbps"` // 0 = unlimited
}

// ProcessingConfig represents worker settings.
type ProcessingConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// VerificationConfig represents materialization verification settings.
type VerificationConfig struct {
	Method           string `yaml:"method" mapstructure:"method"` // "count" or "sha256"
	SkipVerification bool   `yaml:"skip_verification" mapstructure:"skip_verification"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultInlierThreshold is the lowest expansion threshold accepted without
// an explicit override.
const DefaultInlierThreshold = 30

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Imagery: ImageryConfig{
			MetadataPath: "metadata.json",
			ImageDir:     "images",
		},
		Partition: PartitionConfig{
			BoxSizeMeters:    400,
			MarginMeters:     25,
			MaxPairsPerBox:   250000,
			MinBoxSizeMeters: 50,
		},
		Pairing: PairingConfig{
			Neighbors:         8,
			MaxDistanceMeters: 100,
			OutputDir:         "pairs",
		},
		Expansion: ExpansionConfig{
			InlierThreshold: DefaultInlierThreshold,
			MaxRounds:       4,
			MinGrowth:       0.05,
			PairBudget:      200000,
		},
		Index: IndexConfig{
			Path: "match_index.db",
			Redis: RedisConfig{
				Enabled:    false,
				Addr:       "localhost:6379",
				TTLSeconds: 3600,
			},
		},
		Catalog: DatabaseConfig{
			Driver:             "sqlite",
			Database:           "geomatch.db",
			TLS:                "preferred",
			MaxConnections:     10,
			MaxIdleConnections: 5,
		},
		Colmap: ColmapConfig{
			Binary:       "colmap",
			DatabasePath: "database.db",
			UseGPU:       true,
			WorkDir:      "work",
		},
		Reconstruction: ReconstructionConfig{
			MinInitInliers:      100,
			MinSeparationMeters: 15,
			TargetRatio:         0.9,
			SnapshotInterval:    100,
			MaxRefineFailures:   3,
			MaxRetries:          3,
			RetryEscalation:     1.5,
			LockTimeoutSeconds:  10,
		},
		Snapshots: SnapshotConfig{
			Dir:         "snapshots",
			Compression: "zstd",
			Head:        "file",
			Mirror: MirrorConfig{
				Backend: "none",
				UseSSL:  true,
			},
		},
		Processing: ProcessingConfig{
			Workers: 4,
		},
		Verification: VerificationConfig{
			Method:           "count",
			SkipVerification: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultPort returns the conventional port for the catalog driver.
func (d DatabaseConfig) DefaultPort() int {
	switch d.Driver {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	}
	return 0
}
