// Package config holds runtime configuration for both binaries. Defaults
// come from constructors, a YAML file can override the server's, and flags
// override both in main.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port        uint16 `yaml:"port"`
	UploadsDir  string `yaml:"uploads_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
	HistoryPath string `yaml:"history_path"`
}

// ClientConfig holds upload client configuration.
type ClientConfig struct {
	Host    string
	Port    uint16
	Threads int
	Secret  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:        7878,
		UploadsDir:  "uploads",
		MetricsAddr: "", // disabled unless set
		HistoryPath: "", // disabled unless set
	}
}

// DefaultClientConfig returns default upload client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:    "127.0.0.1",
		Port:    7878,
		Threads: 4,
		Secret:  "secret123",
	}
}

// LoadServerConfig reads a YAML config file over the defaults. An empty
// path returns the defaults unchanged.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the server bind address.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// ServerAddr returns the address the client dials.
func (c *ClientConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
