package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Worker holds the detection worker process settings.
type Worker struct {
	Python         string        `mapstructure:"python" yaml:"python"`
	Script         string        `mapstructure:"script" yaml:"script"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
}

type Config struct {
	Verbose     bool   `mapstructure:"verbose" yaml:"verbose"`
	Listen      string `mapstructure:"listen" yaml:"listen"`
	Database    string `mapstructure:"database" yaml:"database"`
	Timezone    string `mapstructure:"timezone" yaml:"timezone"`
	CaptureDir  string `mapstructure:"capture_dir" yaml:"capture_dir"`
	CleanupCron string `mapstructure:"cleanup_cron" yaml:"cleanup_cron"`
	Worker      Worker `mapstructure:"worker" yaml:"worker"`
}

func Default() Config {
	return Config{
		Listen:      ":8090",
		Database:    filepath.Join("data", "labwatch.db"),
		CaptureDir:  "screenshots",
		CleanupCron: "0 0 * * *",
		Worker: Worker{
			Python:         "python3",
			Script:         filepath.Join("worker", "detect_occupancy.py"),
			StopGrace:      2500 * time.Millisecond,
			CaptureTimeout: 15 * time.Second,
		},
	}
}

// Load reads the yaml config at path on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores the configuration as yaml, creating parent directories.
func (c Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	enc := yaml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// Location resolves the configured timezone, defaulting to local time.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
