package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ShipSync  ShipSyncConfig  `yaml:"shipsync"`
	Delhivery DelhiveryConfig `yaml:"delhivery"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	WebhookReceivedTopicName string `yaml:"webhook_received_topic_name"`
	ShipmentStatusTopicName  string `yaml:"shipment_status_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipSyncConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// "async" (default) reconciles in-process, "kafka" goes through the webhook topic.
	DispatchMode              string `yaml:"dispatch_mode"`
	KafkaConsumerGroup        string `yaml:"kafka_consumer_group"`
	ReconcileTimeoutSeconds   int    `yaml:"reconcile_timeout_seconds"`
	CurrentShipmentTTLSeconds int    `yaml:"current_shipment_ttl_seconds"`
	HealthRecentLimit         int    `yaml:"health_recent_limit"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`
}

type DelhiveryConfig struct {
	WebhookSecret    string `yaml:"webhook_secret"`
	RequireSignature bool   `yaml:"require_signature"`
	BaseURL          string `yaml:"base_url"`
	APIToken         string `yaml:"api_token"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	// Secrets are usually injected by the platform, not committed in the YAML.
	if v := os.Getenv("DELHIVERY_WEBHOOK_SECRET"); v != "" {
		config.Delhivery.WebhookSecret = v
	}
	if v := os.Getenv("DELHIVERY_API_TOKEN"); v != "" {
		config.Delhivery.APIToken = v
	}

	return &config, nil
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
