package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/andrej220/sshgate/internal/dispatch"
	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/internal/serverutil"
	"github.com/andrej220/sshgate/pkg/audit"
	"github.com/andrej220/sshgate/pkg/config"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/transport"
)

const (
	serviceName = "sshgate"

	envStore     = "SSHGATE_CONFIG_STORE"
	envMongoURI  = "SSHGATE_CONFIG_MONGO_URI"
	envMongoDB   = "SSHGATE_CONFIG_MONGO_DB"
	envMongoColl = "SSHGATE_CONFIG_MONGO_COLLECTION"
)

type AppConfig struct {
	Server   serverutil.ServerConfig `yaml:"server" json:"server"`
	SSH      transport.SSHConfig     `yaml:"ssh" json:"ssh"`
	Executor executor.ChannelConfig  `yaml:"executor" json:"executor"`
	Audit    AuditConfig             `yaml:"audit" json:"audit"`
	Jobs     JobsConfig              `yaml:"jobs" json:"jobs"`
}

type AuditConfig struct {
	Dir    string             `yaml:"dir" json:"dir"`
	Format string             `yaml:"format" json:"format" validate:"omitempty,oneof=json yaml"`
	Mongo  *audit.MongoConfig `yaml:"mongo" json:"mongo" validate:"omitempty"`
	// Topic publishes records to Kafka using the jobs brokers.
	Topic string `yaml:"topic" json:"topic"`
}

type JobsConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Brokers         []string `yaml:"brokers" json:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	GroupID         string   `yaml:"groupId" json:"groupId"`
	RequestTopic    string   `yaml:"requestTopic" json:"requestTopic" validate:"required_if=Enabled true"`
	ResultTopic     string   `yaml:"resultTopic" json:"resultTopic" validate:"required_if=Enabled true"`
	dispatch.Config `yaml:",inline"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Server:   serverutil.DefaultServerConfig(),
		Executor: executor.DefaultChannelConfig(),
		Audit:    AuditConfig{Format: "json"},
		Jobs: JobsConfig{
			GroupID: serviceName,
			Config:  dispatch.DefaultConfig(),
		},
	}
}

func (c *AppConfig) validate() error {
	if c.Audit.Topic != "" && len(c.Jobs.Brokers) == 0 {
		return errors.New("audit.topic needs jobs.brokers")
	}
	return serverutil.Validate(c)
}

// openStore picks the config store from the environment: a YAML file at path
// by default, or a MongoDB document named after the service.
func openStore(path string, logger lg.Logger) (config.Config, error) {
	storeType, err := config.ParseStoreType(os.Getenv(envStore))
	if err != nil {
		return nil, err
	}
	if storeType == config.MongoStore {
		return config.NewStore(storeType, &config.MongoConfig{
			URI:      os.Getenv(envMongoURI),
			DBName:   envOr(envMongoDB, serviceName),
			CollName: envOr(envMongoColl, "config"),
			ID:       serviceName,
		}, logger)
	}
	return config.NewStore(storeType, &config.FileConfig{Path: path}, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig reads the store over the defaults. A missing config file leaves
// the defaults in place.
func loadConfig(store config.Config) (*AppConfig, error) {
	cfg := defaultAppConfig()
	if err := store.Load(&cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// watchConfig re-applies executor timeouts whenever the store changes.
// Other settings need a restart.
func watchConfig(ctx context.Context, store config.Config, exec *executor.ChannelExecutor, logger lg.Logger) {
	err := store.Watch(ctx, func() {
		cfg, err := loadConfig(store)
		if err != nil {
			logger.Warn("config reload rejected", lg.Err(err))
			return
		}
		exec.Configure(cfg.Executor)
		applied := exec.Config()
		logger.Info("executor config reloaded",
			lg.Duration("openTimeout", applied.OpenTimeout),
			lg.Duration("readTimeout", applied.ReadTimeout),
			lg.Int("maxOutputBytes", applied.MaxOutputBytes))
	})
	if err != nil {
		logger.Info("config watch disabled", lg.Err(err))
	}
}
