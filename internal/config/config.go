// Package config holds the configuration of the esp8266 command.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/embeddedgo/esp8266"
	"github.com/embeddedgo/esp8266/internal/uart"
)

// Config describes the UART the ESP8266 is attached to and the Wi-Fi
// configuration applied by the join command. The JSON schema uses snake_case
// keys, all fields are optional.
type Config struct {
	Device  string           `json:"device"`
	Port    uart.PortOptions `json:"port"`
	Mode    int              `json:"wifi_mode"`
	SSID    string           `json:"ssid"`
	Pass    string           `json:"passphrase"`
	DHCP    *bool            `json:"dhcp,omitempty"`
	Timeout string           `json:"timeout,omitempty"` // duration string like "5s"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device:  "/dev/ttyUSB0",
		Port:    uart.PortOptions{BaudRate: uart.DefaultBaudRate},
		Mode:    esp8266.Station,
		Timeout: esp8266.DefaultTimeout.String(),
	}
}

// Load reads the JSON configuration file at path. Values missing in the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("device must not be empty")
	}
	if _, err := c.Port.Normalize(); err != nil {
		return err
	}
	if c.Mode < esp8266.Station || c.Mode > esp8266.StationAndAP {
		return fmt.Errorf("wifi_mode %d: must be 1 (station), 2 (softAP) or 3 (both)", c.Mode)
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	if len(c.SSID) > 32 {
		return fmt.Errorf("ssid longer than 32 bytes")
	}
	if len(c.Pass) > 64 {
		return fmt.Errorf("passphrase longer than 64 bytes")
	}
	return nil
}

// GetTimeout returns the command timeout, esp8266.DefaultTimeout if unset.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return esp8266.DefaultTimeout
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return esp8266.DefaultTimeout
	}
	return d
}

// GetDHCP reports whether DHCP should be enabled in the station mode. It
// defaults to true.
func (c *Config) GetDHCP() bool {
	return c.DHCP == nil || *c.DHCP
}
