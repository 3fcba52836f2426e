// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the engines. Connection settings come from flags and environment variables.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Flows     FlowsConfig     `yaml:"flows"`
	Lease     LeaseConfig     `yaml:"lease"`
	Contacts  ContactsConfig  `yaml:"contacts"`
	Messaging MessagingConfig `yaml:"messaging"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type SchedulerConfig struct {
	DripInterval time.Duration `yaml:"drip_interval"`
	FlowInterval time.Duration `yaml:"flow_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
}

type FlowsConfig struct {
	// MaxSteps caps the nodes one walk may run before the instance fails.
	MaxSteps int `yaml:"max_steps"`
}

type LeaseConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ContactsConfig struct {
	// File is a JSON array of contacts loaded at startup.
	File string `yaml:"file"`
}

type MessagingConfig struct {
	// GatewayURL receives outbound messages. Messages are only logged when it is empty.
	GatewayURL string `yaml:"gateway_url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// Topics carry inbound events consumed by the worker. Empty disables Kafka ingestion.
	Topics        []string `yaml:"topics"`
	ConsumerGroup string   `yaml:"consumer_group"`
	// UserID owns messages without a user_id header.
	UserID string `yaml:"user_id"`
}

// Default returns the configuration used for absent files and fields.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			DripInterval: 30 * time.Second,
			FlowInterval: 30 * time.Second,
			BatchSize:    100,
			Workers:      4,
		},
		Flows: FlowsConfig{MaxSteps: 500},
		Lease: LeaseConfig{TTL: 2 * time.Minute},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "nurture-ingest",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file or an empty path yields
// the defaults.
func Load(path string) (Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}

	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if c.Scheduler.DripInterval < 0 {
		errs = append(errs, errors.New("scheduler.drip_interval must not be negative"))
	}

	if c.Scheduler.FlowInterval < 0 {
		errs = append(errs, errors.New("scheduler.flow_interval must not be negative"))
	}

	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}

	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("scheduler.workers must be positive"))
	}

	if c.Flows.MaxSteps <= 0 {
		errs = append(errs, errors.New("flows.max_steps must be positive"))
	}

	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease.ttl must be positive"))
	}

	if len(c.Kafka.Topics) > 0 && c.Kafka.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumer_group is required with kafka.topics"))
	}

	return errors.Join(errs...)
}
