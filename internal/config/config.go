// Package config loads runtime configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Client configures the chat client binary.
type Client struct {
	RelayURLs []string `envconfig:"RELAY_URLS" default:"ws://localhost:8080/signal"`
	DBPath    string   `envconfig:"DB_PATH" default:"balancechain.db"`
	StunURL   string   `envconfig:"STUN_URL" default:"stun:stun.l.google.com:19302"`
	Nickname  string   `envconfig:"NICKNAME" default:""`
	DevLog    bool     `envconfig:"DEV_LOG" default:"false"`
}

// Relay configures the signaling relay binary. Redis and Mongo are
// optional: without Redis the relay routes within a single process
// only, without Mongo the key directory endpoints return 404.
type Relay struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	RedisAddr    string `envconfig:"REDIS_ADDR" default:""`
	RedisPass    string `envconfig:"REDIS_PASS" default:""`
	MongoURI     string `envconfig:"MONGO_URI" default:""`
	MongoDB      string `envconfig:"MONGO_DB" default:"balancechain"`
	PresenceTTLs int    `envconfig:"PRESENCE_TTL_SECONDS" default:"60"`
	DevLog       bool   `envconfig:"DEV_LOG" default:"false"`
}

// LoadClient reads client config, prefix BC_. A missing .env file is
// not an error.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()
	var cfg Client
	if err := envconfig.Process("bc", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRelay reads relay config, prefix BC_.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()
	var cfg Relay
	if err := envconfig.Process("bc", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
