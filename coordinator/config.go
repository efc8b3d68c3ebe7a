// Copyright 2025 Nooterra
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable the coordinator reads. Environment variables
// win over the optional YAML overlay file, which wins over the defaults.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	APIKey        string `yaml:"apiKey"`
	JWTSecret     string `yaml:"jwtSecret"`
	WebhookSecret string `yaml:"webhookSecret"`

	DirectoryURL string `yaml:"directoryUrl"`

	ProtocolFeeBps  int64  `yaml:"protocolFeeBps"`
	ProtocolSinkDID string `yaml:"protocolSinkDid"`

	DispatcherEmbedded bool          `yaml:"dispatcherEmbedded"`
	DispatchInterval   time.Duration `yaml:"dispatchInterval"`
	DispatchBatchSize  int           `yaml:"dispatchBatchSize"`

	DefaultMaxAttempts int           `yaml:"defaultMaxAttempts"`
	DefaultNodeTimeout time.Duration `yaml:"defaultNodeTimeout"`

	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`

	SchemaFailOpen bool `yaml:"schemaFailOpen"`
	VerifyFailOpen bool `yaml:"verifyFailOpen"`

	RecomputeCron string `yaml:"recomputeCron"`

	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`

	// ReputationFloors maps capability ids to the minimum reputation an
	// agent needs before the selector will consider it. Unlisted
	// capabilities have no floor.
	ReputationFloors map[string]float64 `yaml:"reputationFloors"`
}

// LoadConfig builds the effective configuration. The overlay file named by
// COORDINATOR_CONFIG_FILE is optional; a missing file is not an error, a
// malformed one is.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:               "8090",
		ProtocolFeeBps:     250,
		ProtocolSinkDID:    "did:noot:protocol",
		DispatcherEmbedded: true,
		DispatchInterval:   time.Second,
		DispatchBatchSize:  10,
		DefaultMaxAttempts: 4,
		DefaultNodeTimeout: 5 * time.Minute,
		HeartbeatTTL:       60 * time.Second,
		SchemaFailOpen:     true,
		VerifyFailOpen:     true,
		RecomputeCron:      "@every 10m",
		RateLimitPerMinute: 120,
	}

	if path := os.Getenv("COORDINATOR_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			log.Printf("[Config] overlay file %s not found, using env + defaults", path)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.APIKey = getEnv("COORDINATOR_API_KEY", cfg.APIKey)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.DirectoryURL = getEnv("DIRECTORY_URL", cfg.DirectoryURL)
	cfg.ProtocolSinkDID = getEnv("PROTOCOL_SINK_DID", cfg.ProtocolSinkDID)
	cfg.RecomputeCron = getEnv("REPUTATION_RECOMPUTE_CRON", cfg.RecomputeCron)

	cfg.ProtocolFeeBps = getEnvInt64("PROTOCOL_FEE_BPS", cfg.ProtocolFeeBps)
	cfg.DispatchBatchSize = getEnvInt("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize)
	cfg.DefaultMaxAttempts = getEnvInt("NODE_MAX_ATTEMPTS", cfg.DefaultMaxAttempts)
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)

	cfg.DispatchInterval = getEnvMillis("DISPATCH_BATCH_MS", cfg.DispatchInterval)
	cfg.DefaultNodeTimeout = getEnvMillis("NODE_TIMEOUT_MS", cfg.DefaultNodeTimeout)
	cfg.HeartbeatTTL = getEnvMillis("HEARTBEAT_TTL_MS", cfg.HeartbeatTTL)

	cfg.DispatcherEmbedded = getEnvBool("DISPATCHER_EMBEDDED", cfg.DispatcherEmbedded)
	cfg.SchemaFailOpen = getEnvBool("SCHEMA_FAIL_OPEN", cfg.SchemaFailOpen)
	cfg.VerifyFailOpen = getEnvBool("VERIFY_FAIL_OPEN", cfg.VerifyFailOpen)

	if cfg.ProtocolFeeBps < 0 || cfg.ProtocolFeeBps > 10000 {
		return nil, fmt.Errorf("PROTOCOL_FEE_BPS must be in [0,10000], got %d", cfg.ProtocolFeeBps)
	}
	return cfg, nil
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
		log.Printf("[Config] invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		log.Printf("[Config] invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		log.Printf("[Config] invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		log.Printf("[Config] invalid %s=%q, using %t", key, v, fallback)
	}
	return fallback
}
