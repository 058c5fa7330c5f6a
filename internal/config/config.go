package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

// Provider holds everything needed to call the payment provider and to
// authenticate what it pushes back at us.
type Provider struct {
	BaseURL       string `mapstructure:"base-url"`
	APIKey        string `mapstructure:"api-key"`
	WebhookSecret string `mapstructure:"webhook-secret"`
	InternalToken string `mapstructure:"internal-token"`
	TimeoutMs     int    `mapstructure:"timeout-ms"`
}

type Poller struct {
	IntervalMs            int `mapstructure:"interval-ms"`
	FetchSize             int `mapstructure:"fetch-size"`
	InitialBackoffSeconds int `mapstructure:"initial-backoff-seconds"`
	MaxBackoffSeconds     int `mapstructure:"max-backoff-seconds"`
	MaxAttempts           int `mapstructure:"max-attempts"`
}

type Reconciler struct {
	IntervalMs    int `mapstructure:"interval-ms"`
	LookbackHours int `mapstructure:"lookback-hours"`
	FetchSize     int `mapstructure:"fetch-size"`
}

type Notifier struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentConfirmed string `mapstructure:"payment-confirmed"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Booking struct {
	BaseURL   string `mapstructure:"base-url"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database   Database   `mapstructure:"database"`
	Server     Server     `mapstructure:"server"`
	Provider   Provider   `mapstructure:"provider"`
	Poller     Poller     `mapstructure:"poller"`
	Reconciler Reconciler `mapstructure:"reconciler"`
	Notifier   Notifier   `mapstructure:"notifier"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Booking    Booking    `mapstructure:"booking"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
