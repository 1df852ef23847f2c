package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	QueueBackend    string `yaml:"queue_backend"`
	DataDir         string `yaml:"data_dir"`
	RedisURL        string `yaml:"redis_url"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	CallbackWorkers int    `yaml:"callback_workers"`

	// LocalWorkers is the number of in-process consumers started by serve.
	LocalWorkers    int           `yaml:"local_workers"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	JobTimeoutGrace time.Duration `yaml:"job_timeout_grace"`

	// SubmitRateLimit is submissions per second accepted by the API; 0 disables it.
	SubmitRateLimit float64 `yaml:"submit_rate_limit"`
	SubmitBurst     int     `yaml:"submit_burst"`

	VolunteerHeartbeatInterval time.Duration `yaml:"volunteer_heartbeat_interval"`
}

func defaults() *Config {
	return &Config{
		NodeID:                     "node-default",
		HTTPPort:                   8000,
		LogLevel:                   "info",
		QueueBackend:               BackendMemory,
		DataDir:                    "./data",
		CallbackWorkers:            4,
		JobTimeout:                 30 * time.Second,
		JobTimeoutGrace:            10 * time.Second,
		SubmitBurst:                10,
		VolunteerHeartbeatInterval: 30 * time.Second,
	}
}

// Load builds a config from defaults overridden by environment variables.
func Load() *Config {
	c := defaults()
	c.applyEnv()
	return c
}

// LoadFile reads a YAML config file, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	c := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.QueueBackend = getEnv("QUEUE_BACKEND", c.QueueBackend)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.QueueCapacity = getEnvInt("QUEUE_CAPACITY", c.QueueCapacity)
	c.CallbackWorkers = getEnvInt("CALLBACK_WORKERS", c.CallbackWorkers)
	c.LocalWorkers = getEnvInt("LOCAL_WORKERS", c.LocalWorkers)
	c.JobTimeout = getEnvSeconds("JOB_TIMEOUT", c.JobTimeout)
	c.JobTimeoutGrace = getEnvSeconds("JOB_TIMEOUT_GRACE", c.JobTimeoutGrace)
	c.SubmitRateLimit = getEnvFloat("SUBMIT_RATE_LIMIT", c.SubmitRateLimit)
	c.SubmitBurst = getEnvInt("SUBMIT_BURST", c.SubmitBurst)
	c.VolunteerHeartbeatInterval = getEnvSeconds("VOLUNTEER_HEARTBEAT_INTERVAL", c.VolunteerHeartbeatInterval)
}

func (c *Config) Validate() error {
	switch c.QueueBackend {
	case BackendMemory, BackendBadger:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: redis backend requires redis_url")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.QueueBackend)
	}
	if c.QueueCapacity < 0 || c.LocalWorkers < 0 {
		return fmt.Errorf("config: negative capacity or worker count")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvSeconds reads a whole number of seconds.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
