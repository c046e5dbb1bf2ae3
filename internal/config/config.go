package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/edvin/orchestrator/internal/platform"
)

type Config struct {
	DatabaseURL          string
	ShardCount           int
	HistoryRetentionDays int
	LeaseDuration        time.Duration
	HeartbeatExtension   time.Duration
	RequeueDelay         time.Duration
	HTTPListenAddr       string
	RPCListenAddr        string
	LogLevel             string
	ServiceName          string
	// OwnerIdentity is the identity under which this process claims shard
	// leases. Defaults to hostname@pid.
	OwnerIdentity string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          getEnv("ORCH_DB_CONNECTION", ""),
		ShardCount:           getEnvInt("ORCH_SHARD_COUNT", 512),
		HistoryRetentionDays: getEnvInt("ORCH_HISTORY_RETENTION_DAYS", 30),
		LeaseDuration:        getEnvSeconds("ORCH_LEASE_DURATION_SECONDS", 60),
		HeartbeatExtension:   getEnvSeconds("ORCH_HEARTBEAT_EXTENSION_SECONDS", 60),
		RequeueDelay:         getEnvSeconds("ORCH_REQUEUE_DELAY_SECONDS", 5),
		HTTPListenAddr:       getEnv("ORCH_HTTP_LISTEN_ADDR", ":8080"),
		RPCListenAddr:        getEnv("ORCH_RPC_LISTEN_ADDR", ":7233"),
		LogLevel:             getEnv("ORCH_LOG_LEVEL", "info"),
		ServiceName:          getEnv("ORCH_SERVICE_NAME", "orchestrator"),
		OwnerIdentity:        getEnv("ORCH_OWNER_IDENTITY", platform.OwnerIdentity()),
	}

	return cfg, nil
}

// Validate checks the fields a server process cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("ORCH_DB_CONNECTION is required")
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("ORCH_SHARD_COUNT must be positive, got %d", c.ShardCount)
	}
	if c.HistoryRetentionDays <= 0 {
		return fmt.Errorf("ORCH_HISTORY_RETENTION_DAYS must be positive, got %d", c.HistoryRetentionDays)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("ORCH_LEASE_DURATION_SECONDS must be positive")
	}
	if c.HeartbeatExtension <= 0 {
		return fmt.Errorf("ORCH_HEARTBEAT_EXTENSION_SECONDS must be positive")
	}
	return nil
}

// HeartbeatInterval is how often owned shard leases are renewed. Must stay
// well below the lease duration so a healthy owner never loses a shard.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.LeaseDuration / 3
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
