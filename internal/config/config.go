package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tetatet/internal/models"
)

type Config struct {
	// Relay daemon.
	ListenAddr      string
	TokenExpiry     time.Duration
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string

	// Client.
	RelayURL      string
	CacheFile     string
	IdleTimeout   time.Duration
	TransportMode models.TransportMode
	ICEServers    []string
}

func Load(clientMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	idleTimeout, err := time.ParseDuration(getEnv("IDLE_TIMEOUT", "60s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:      getEnv("TETATET_ADDR", ":8080"),
		TokenExpiry:     tokenExpiry,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
		RelayURL:        getEnv("TETATET_RELAY", "http://localhost:8080"),
		CacheFile:       getEnv("TETATET_CACHE", "tetatet.db"),
		IdleTimeout:     idleTimeout,
		TransportMode:   models.TransportMode(getEnv("TRANSPORT_MODE", string(models.TransportHybrid))),
		ICEServers:      splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
	}

	if err := cfg.Validate(clientMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(clientMode bool) error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be greater than 0")
	}

	switch c.TransportMode {
	case models.TransportStoreRelay, models.TransportPeerToPeer, models.TransportHybrid:
	default:
		return fmt.Errorf("TRANSPORT_MODE must be one of %q, %q, %q",
			models.TransportStoreRelay, models.TransportPeerToPeer, models.TransportHybrid)
	}

	if clientMode && c.RelayURL == "" {
		return fmt.Errorf("TETATET_RELAY is required")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
