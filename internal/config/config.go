// Package config loads gateway configuration from an optional YAML file
// with environment-variable overrides for every field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Network string      `yaml:"network"` // mainnet | testnet
	Server  AddrConfig  `yaml:"server"`
	Node    NodeConfig  `yaml:"node"`
	Store   StoreConfig `yaml:"store"`

	Sessions SessionConfig `yaml:"sessions"`
	Webhooks WebhookConfig `yaml:"webhooks"`

	RedisURL string `yaml:"redis_url"` // optional shared rate-limit backend
}

type AddrConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type NodeConfig struct {
	RpcURL     string `yaml:"rpc_url"`      // websocket JSON-RPC endpoint
	RestAPIURL string `yaml:"rest_api_url"` // kaspa REST API base URL
}

type StoreConfig struct {
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"` // Postgres DSN; empty = sqlite in DataDir
}

type SessionConfig struct {
	RequiredConfirmations uint64        `yaml:"required_confirmations"`
	DefaultTTL            time.Duration `yaml:"default_ttl"`
}

type WebhookConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		Network: "mainnet",
		Server:  AddrConfig{ListenAddr: ":8080"},
		Node: NodeConfig{
			RpcURL:     "ws://localhost:17110",
			RestAPIURL: "https://api.kaspa.org",
		},
		Store: StoreConfig{DataDir: "./data"},
		Sessions: SessionConfig{
			RequiredConfirmations: 10,
			DefaultTTL:            900 * time.Second,
		},
		Webhooks: WebhookConfig{
			Workers:     4,
			MaxAttempts: 8,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Network, "NETWORK")
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setString(&c.Node.RpcURL, "RPC_URL")
	setString(&c.Node.RestAPIURL, "REST_API_URL")
	setString(&c.Store.DataDir, "DATA_DIR")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setUint64(&c.Sessions.RequiredConfirmations, "REQUIRED_CONFIRMATIONS")
	setSeconds(&c.Sessions.DefaultTTL, "SESSION_DEFAULT_TTL")
	setInt(&c.Webhooks.Workers, "WEBHOOK_WORKERS")
	setInt(&c.Webhooks.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")
}

func (c *Config) validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("config: NETWORK must be mainnet or testnet, got %q", c.Network)
	}
	if c.Sessions.RequiredConfirmations == 0 {
		return fmt.Errorf("config: REQUIRED_CONFIRMATIONS must be >= 1")
	}
	if c.Webhooks.Workers <= 0 {
		return fmt.Errorf("config: WEBHOOK_WORKERS must be >= 1")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("config: WEBHOOK_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// setSeconds reads an integer number of seconds.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
