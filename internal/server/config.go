package server

import (
	"fmt"
	"time"
)

// Config represents the server configuration
type Config struct {
	// Server settings
	Host     string `json:"host"`
	HTTPPort int    `json:"http_port"`
	// GRPCPort serves the gRPC health service; 0 disables it.
	GRPCPort int `json:"grpc_port"`

	// WebSocket settings
	// AllowedOrigins lists permitted WebSocket origins. Use "*" to allow all
	// origins (development only). Defaults to localhost origins.
	AllowedOrigins []string `json:"allowed_origins"`

	// IncidentCreatesPerMinute limits incident creation per client address.
	IncidentCreatesPerMinute int `json:"incident_creates_per_minute"`

	// HeartbeatInterval is the period of stream heartbeats.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Validate checks the server configuration.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.IncidentCreatesPerMinute <= 0 {
		c.IncidentCreatesPerMinute = 30
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}
