package imager

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the imager service configuration. It is installed as config.json
// by the bootstrap installer and is immutable for the lifetime of the process.
type Config struct {
	// AllowedIPs are the peers permitted to request writes: exact addresses
	// or CIDR ranges.
	AllowedIPs []string `mapstructure:"allowed_ips"`

	// SharedSecret must match the X-Netboot-Token header of write requests.
	SharedSecret string `mapstructure:"shared_secret"`

	// Port the service listens on.
	Port int `mapstructure:"port"`

	// MetricsPort serves Prometheus metrics; 0 disables the sidecar.
	MetricsPort int `mapstructure:"metrics_port"`

	// AllowedDevices are the target device paths a write may address.
	AllowedDevices []string `mapstructure:"allowed_devices"`

	// AllowFileTargets permits regular files as write targets. Only for
	// tests and bench rigs; production targets must be block devices.
	AllowFileTargets bool `mapstructure:"allow_file_targets"`

	// StallTimeoutSeconds is the read-inactivity window on the image
	// download before the job is failed. The boot daemon side has no
	// defined value for this, so it is fixed here and configurable.
	StallTimeoutSeconds int `mapstructure:"stall_timeout_seconds"`
}

// StallTimeout returns the download inactivity limit as a duration.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// LoadConfig reads the service configuration from the given JSON file,
// applying defaults for everything the bootstrap config does not carry.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("allowed_ips", []string{})
	v.SetDefault("shared_secret", "")
	v.SetDefault("port", 8888)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("allowed_devices", []string{"/dev/mmcblk0", "/dev/mmcblk1", "/dev/nvme0n1", "/dev/sda"})
	v.SetDefault("allow_file_targets", false)
	v.SetDefault("stall_timeout_seconds", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if len(c.AllowedIPs) == 0 {
		return fmt.Errorf("allowed_ips must not be empty")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("shared_secret must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.AllowedDevices) == 0 {
		return fmt.Errorf("allowed_devices must not be empty")
	}
	if c.StallTimeoutSeconds <= 0 {
		return fmt.Errorf("stall_timeout_seconds must be positive")
	}
	return nil
}
