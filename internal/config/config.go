package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Client     ClientConfig     `mapstructure:"client"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig configures the pub/sub sink. An empty URL disables it.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RabbitMQConfig configures the topic exchange sink. An empty URL disables it.
type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	QueuePrefix   string `mapstructure:"queue_prefix"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
}

type MonitoringConfig struct {
	// Endpoint is the transaction service watched at startup; empty waits for
	// one to be set through the API
	Endpoint            string        `mapstructure:"endpoint"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	RetentionWindow     time.Duration `mapstructure:"retention_window"`
	StallThreshold      int           `mapstructure:"stall_threshold"`
	ChartPoints         int           `mapstructure:"chart_points"`
	PublishBuffer       int           `mapstructure:"publish_buffer"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MetricsPort         int           `mapstructure:"metrics_port"`
}

type ClientConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// EthereumConfig configures the optional reference node used to cross-check
// the chain head reported by the service
type EthereumConfig struct {
	ReferenceRPCURLs []string      `mapstructure:"reference_rpc_urls"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from ./config or the working directory, or the
// given file when set, then applies environment overrides
func Load(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	// Environment variable overrides
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	overrideWithEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Monitoring.PollInterval <= 0 {
		return fmt.Errorf("monitoring.poll_interval must be positive, got %s", c.Monitoring.PollInterval)
	}
	if c.Monitoring.RetentionWindow < c.Monitoring.PollInterval {
		return fmt.Errorf("monitoring.retention_window %s is shorter than the poll interval", c.Monitoring.RetentionWindow)
	}
	if c.Monitoring.StallThreshold < 2 {
		return fmt.Errorf("monitoring.stall_threshold must be at least 2, got %d", c.Monitoring.StallThreshold)
	}
	if c.Monitoring.ChartPoints < 1 {
		return fmt.Errorf("monitoring.chart_points must be positive, got %d", c.Monitoring.ChartPoints)
	}
	if c.Client.RequestsPerSecond < 0 {
		return fmt.Errorf("client.requests_per_second must not be negative")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.channel", "indexwatch.events")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 1)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("rabbitmq.url", "")
	viper.SetDefault("rabbitmq.exchange", "indexwatch.events")
	viper.SetDefault("rabbitmq.queue_prefix", "indexwatch")
	viper.SetDefault("rabbitmq.prefetch_count", 10)

	viper.SetDefault("monitoring.endpoint", "")
	viper.SetDefault("monitoring.poll_interval", "10s")
	viper.SetDefault("monitoring.retention_window", "1h")
	viper.SetDefault("monitoring.stall_threshold", 10)
	viper.SetDefault("monitoring.chart_points", 30)
	viper.SetDefault("monitoring.publish_buffer", 8)
	viper.SetDefault("monitoring.health_check_interval", "1m")
	viper.SetDefault("monitoring.metrics_port", 9090)

	viper.SetDefault("client.timeout", "8s")
	viper.SetDefault("client.requests_per_second", 5)
	viper.SetDefault("client.burst", 3)

	viper.SetDefault("ethereum.poll_interval", "10s")
	viper.SetDefault("ethereum.rpc_timeout", "10s")
	viper.SetDefault("ethereum.retry_attempts", 3)
	viper.SetDefault("ethereum.retry_delay", "1s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func overrideWithEnv() {
	if endpoint := os.Getenv("INDEXWATCH_ENDPOINT"); endpoint != "" {
		viper.Set("monitoring.endpoint", endpoint)
	}
	if urls := os.Getenv("ETH_REFERENCE_RPC_URL"); urls != "" {
		viper.Set("ethereum.reference_rpc_urls", strings.Split(urls, ","))
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		viper.Set("redis.url", redisURL)
	}
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		viper.Set("rabbitmq.url", rabbitURL)
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		viper.Set("logging.level", logLevel)
	}
}
