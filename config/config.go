package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	BME280 BME280Config `yaml:"bme280"`
	SCD4x  SCD4xConfig  `yaml:"scd4x"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

// BME280Config contains the sensor and bus configuration.
type BME280Config struct {
	I2CDevice string        `yaml:"i2c_device"` // empty selects the first bus
	Address   uint16        `yaml:"address"`
	Interval  time.Duration `yaml:"interval"`
	// Oversampling is one of 1, 2, 4, 8 or 16 and applies to all three
	// measurements.
	Oversampling int `yaml:"oversampling"`
	// Filter is the IIR filter coefficient: 0 (off), 2, 4, 8 or 16.
	Filter int `yaml:"filter"`
}

// SCD4xConfig controls the optional CO2 sensor on the same bus.
type SCD4xConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 27315,
		},
		BME280: BME280Config{
			Address:      0x76,
			Interval:     5 * time.Second,
			Oversampling: 4,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.BME280.Address {
	case 0x76, 0x77:
	default:
		return fmt.Errorf("bme280 address must be 0x76 or 0x77, got %#x", c.BME280.Address)
	}
	switch c.BME280.Oversampling {
	case 1, 2, 4, 8, 16:
	default:
		return fmt.Errorf("bme280 oversampling must be 1, 2, 4, 8 or 16, got %d", c.BME280.Oversampling)
	}
	switch c.BME280.Filter {
	case 0, 2, 4, 8, 16:
	default:
		return fmt.Errorf("bme280 filter must be 0, 2, 4, 8 or 16, got %d", c.BME280.Filter)
	}
	if c.BME280.Interval < time.Second {
		return fmt.Errorf("bme280 interval must be at least 1s, got %s", c.BME280.Interval)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}

	if c.BME280.Address == 0 {
		c.BME280.Address = def.BME280.Address
	}
	if c.BME280.Interval == 0 {
		c.BME280.Interval = def.BME280.Interval
	}
	if c.BME280.Oversampling == 0 {
		c.BME280.Oversampling = def.BME280.Oversampling
	}
}
