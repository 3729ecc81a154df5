// Package config provides configuration management for the topicbus server.
// Server settings come from environment variables; publications and
// subscriptions come from the bus YAML file named by TOPICBUS_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/topicbus"
)

// Config holds all configuration for the topicbus server.
type Config struct {
	Server ServerConfig
	Broker BrokerConfig
	Bus    *topicbus.Config
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string
	Port      int
	LogLevel  string
	RateLimit int // Requests per minute per client IP; 0 disables limiting
}

// BrokerConfig holds broker adapter settings that are not part of the bus file.
type BrokerConfig struct {
	TablePrefix         string        // relica only
	LockDuration        time.Duration // relica and memory
	MaxDeliveryCount    int           // broker-side dead-lettering limit
	ReceiveWait         time.Duration
	ShutdownTimeout     time.Duration
	EnableNotifications bool
}

// Load loads configuration from environment variables and the bus file.
func Load() (*Config, error) {
	path := getEnv("TOPICBUS_CONFIG", "topicbus.yaml")
	bus, err := topicbus.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load bus config %s: %w", path, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			Port:      getEnvInt("SERVER_PORT", 8080),
			LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			RateLimit: getEnvInt("SERVER_RATE_LIMIT", 600),
		},
		Broker: BrokerConfig{
			TablePrefix:         getEnv("TOPICBUS_TABLE_PREFIX", ""),
			LockDuration:        getEnvDuration("TOPICBUS_LOCK_DURATION", 30*time.Second),
			MaxDeliveryCount:    getEnvInt("TOPICBUS_MAX_DELIVERY_COUNT", 0),
			ReceiveWait:         getEnvDuration("TOPICBUS_RECEIVE_WAIT", 10*time.Second),
			ShutdownTimeout:     getEnvDuration("TOPICBUS_SHUTDOWN_TIMEOUT", 30*time.Second),
			EnableNotifications: getEnvBool("TOPICBUS_ENABLE_NOTIFICATIONS", true),
		},
		Bus: bus,
	}

	if override := os.Getenv("TOPICBUS_CONNECTION_STRING"); override != "" {
		cfg.Bus.Connection.ConnectionString = override
	}
	if cfg.Bus.Connection.ConnectionString == "" {
		return nil, fmt.Errorf("connection.connectionString or TOPICBUS_CONNECTION_STRING is required")
	}

	return cfg, nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
