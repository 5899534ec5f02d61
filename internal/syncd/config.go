// Package syncd runs the backup daemon's sync pipeline: it turns snapshot
// diffs into upload work, executes that work against the remote store, and
// commits finished cycles back to the mount registry.
package syncd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snapbak/snapbak/internal/blob"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultPartSize    = 16 * 1024 * 1024
	DefaultWorkers     = 8
	DefaultMaxAttempts = 3

	// MinPartSize is the smallest part the remote store accepts for any part
	// but the last of a multipart upload.
	MinPartSize = 5 * 1024 * 1024
)

// SyncConfig tunes cycle cadence and upload shape.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PartSize    int64         `mapstructure:"part_size"`
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Ignore      []string      `mapstructure:"ignore"`
}

// Config is the daemon configuration. AttrBackend selects where sync markers
// live: "sqlite" (default, works everywhere) or "os" (real extended
// attributes). MountsFile optionally points at a bootstrap list of mounts to
// create at startup.
type Config struct {
	DataDir     string        `mapstructure:"data_dir"`
	AttrBackend string        `mapstructure:"attr_backend"`
	MountsFile  string        `mapstructure:"mounts_file"`
	S3          blob.S3Config `mapstructure:"s3"`
	Sync        SyncConfig    `mapstructure:"sync"`
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.AttrBackend == "" {
		c.AttrBackend = "sqlite"
	}
	if c.AttrBackend != "sqlite" && c.AttrBackend != "os" {
		return fmt.Errorf("config: unknown attr_backend %q", c.AttrBackend)
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.PartSize == 0 {
		c.Sync.PartSize = DefaultPartSize
	}
	if c.Sync.PartSize < MinPartSize {
		return fmt.Errorf("config: part_size %d below minimum %d", c.Sync.PartSize, MinPartSize)
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = DefaultMaxAttempts
	}
	if err := c.S3.Validate(); err != nil {
		return err
	}
	return nil
}

// MountSpec is one entry of the mounts bootstrap file.
type MountSpec struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// LoadMountSpecs reads the bootstrap mounts file. A missing file is not an
// error; the daemon just starts with whatever mounts it rediscovers.
func LoadMountSpecs(path string) ([]MountSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mounts file %s: %w", path, err)
	}
	var specs []MountSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse mounts file %s: %w", path, err)
	}
	for i, spec := range specs {
		if spec.Local == "" || spec.Remote == "" {
			return nil, fmt.Errorf("mounts file %s: entry %d needs local and remote", path, i)
		}
	}
	return specs, nil
}
