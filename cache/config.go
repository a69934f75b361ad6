package cache

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	// CacheSizeLimitDefault is the default byte size cap
	CacheSizeLimitDefault int64 = 64 * 1024 * 1024 // 64MB
	// CheckForFileChangesDefault enables directory watching by default
	CheckForFileChangesDefault bool = true
)

// ErrInvalidConfig is returned for a config that cannot be used
var ErrInvalidConfig = xerrors.New("invalid config")

// Config is the configuration of a FileCache
type Config struct {
	CacheSizeLimit      int64 `yaml:"cache_size_limit"`
	CheckForFileChanges bool  `yaml:"check_for_file_changes"`
}

// NewDefaultConfig returns a config with default values
func NewDefaultConfig() *Config {
	return &Config{
		CacheSizeLimit:      CacheSizeLimitDefault,
		CheckForFileChanges: CheckForFileChangesDefault,
	}
}

// yamlConfig accepts sizes either as a number of bytes or as a human-readable string
type yamlConfig struct {
	CacheSizeLimit      *string `yaml:"cache_size_limit"`
	CheckForFileChanges *bool   `yaml:"check_for_file_changes"`
}

// NewConfigFromYAML creates a config from YAML, missing fields take default values
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	parsed := yamlConfig{}
	err := yaml.Unmarshal(yamlBytes, &parsed)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal YAML - %v: %w", err, ErrInvalidConfig)
	}

	if parsed.CacheSizeLimit != nil {
		sizeLimit, err := parseSize(*parsed.CacheSizeLimit)
		if err != nil {
			return nil, err
		}
		config.CacheSizeLimit = sizeLimit
	}

	if parsed.CheckForFileChanges != nil {
		config.CheckForFileChanges = *parsed.CheckForFileChanges
	}

	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the config
func (config *Config) Validate() error {
	if config.CacheSizeLimit < 0 {
		return xerrors.Errorf("cache size limit %d must not be negative: %w", config.CacheSizeLimit, ErrInvalidConfig)
	}
	return nil
}

// String returns a printable form of the config
func (config *Config) String() string {
	return fmt.Sprintf("cache_size_limit=%s, check_for_file_changes=%t", humanize.IBytes(uint64(config.CacheSizeLimit)), config.CheckForFileChanges)
}

func parseSize(size string) (int64, error) {
	if bytes, err := strconv.ParseInt(size, 10, 64); err == nil {
		return bytes, nil
	}

	bytes, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, xerrors.Errorf("failed to parse size %q - %v: %w", size, err, ErrInvalidConfig)
	}
	return int64(bytes), nil
}
