package main

import (
	"context"
	"fmt"
	"time"

	"github.com/veilmsg/relay/ephemeral/inmemory"
	"github.com/veilmsg/relay/ephemeral/redis"
	memstorage "github.com/veilmsg/relay/storage/memory"
	"github.com/veilmsg/relay/storage/sql"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/ephemeral"
	"github.com/veilmsg/relay/storage"
)

// Config is the top-level YAML document, loaded with ghodss/yaml and
// walked by replaceEnvKeys for $VAR substitution.
type Config struct {
	Listen struct {
		HTTP      string `json:"http"`
		Telemetry string `json:"telemetry"`
	} `json:"listen"`

	Logger struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"logger"`

	Storage struct {
		Type     string `json:"type"`
		Postgres struct {
			Database                string `json:"database"`
			User                     string `json:"user"`
			Password                 string `json:"password"`
			Host                     string `json:"host"`
			Port                     uint16 `json:"port"`
			ConnectionTimeoutSeconds int    `json:"connectionTimeoutSeconds"`
			MaxOpenConns             int    `json:"maxOpenConns"`
			MaxIdleConns             int    `json:"maxIdleConns"`
			SSLMode                  string `json:"sslMode"`
		} `json:"postgres"`
		SQLite3 struct {
			File string `json:"file"`
		} `json:"sqlite3"`
	} `json:"storage"`

	Ephemeral struct {
		Type  string `json:"type"`
		Redis struct {
			Addrs            []string `json:"addrs"`
			Password         string   `json:"password"`
			SentinelPassword string   `json:"sentinelPassword"`
			MasterName       string   `json:"masterName"`
		} `json:"redis"`
	} `json:"ephemeral"`

	Auth struct {
		TokenSecret   string `json:"tokenSecret"`
		TokenLifetime string `json:"tokenLifetime"`
	} `json:"auth"`

	Web struct {
		AllowedOrigins []string `json:"allowedOrigins"`
		AllowedHeaders []string `json:"allowedHeaders"`
	} `json:"web"`

	ReapInterval string `json:"reapInterval"`
}

// Validate performs fail-fast presence checks on the fields every backend
// needs before runServe attempts to open anything.
func (c *Config) Validate() error {
	if c.Listen.HTTP == "" {
		return fmt.Errorf("invalid config: no listen.http address")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("invalid config: no auth.tokenSecret")
	}
	switch c.Storage.Type {
	case "postgres", "sqlite3", "memory":
	case "":
		return fmt.Errorf("invalid config: no storage.type")
	default:
		return fmt.Errorf("invalid config: unknown storage.type %q", c.Storage.Type)
	}
	switch c.Ephemeral.Type {
	case "redis", "inmemory":
	case "":
		return fmt.Errorf("invalid config: no ephemeral.type")
	default:
		return fmt.Errorf("invalid config: unknown ephemeral.type %q", c.Ephemeral.Type)
	}
	return nil
}

// OpenStorage constructs the durable store named by c.Storage.Type.
func (c *Config) OpenStorage(ctx context.Context, logger logrus.FieldLogger) (storage.Storage, error) {
	switch c.Storage.Type {
	case "memory":
		return memstorage.New(logger), nil
	case "sqlite3":
		cfg := &sql.SQLite3{File: c.Storage.SQLite3.File}
		return cfg.Open(ctx, logger)
	case "postgres":
		cfg := &sql.Postgres{
			NetworkDB: sql.NetworkDB{
				Database:                 c.Storage.Postgres.Database,
				User:                     c.Storage.Postgres.User,
				Password:                 c.Storage.Postgres.Password,
				Host:                     c.Storage.Postgres.Host,
				Port:                     c.Storage.Postgres.Port,
				ConnectionTimeoutSeconds: c.Storage.Postgres.ConnectionTimeoutSeconds,
				MaxOpenConns:             c.Storage.Postgres.MaxOpenConns,
				MaxIdleConns:             c.Storage.Postgres.MaxIdleConns,
			},
			SSL: sql.SSL{Mode: c.Storage.Postgres.SSLMode},
		}
		return cfg.Open(ctx, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
}

// OpenEphemeral constructs the ephemeral store named by c.Ephemeral.Type.
func (c *Config) OpenEphemeral() (ephemeral.Store, error) {
	switch c.Ephemeral.Type {
	case "inmemory":
		return inmemory.New(), nil
	case "redis":
		cfg := &redis.Config{
			Addrs:            c.Ephemeral.Redis.Addrs,
			Password:         c.Ephemeral.Redis.Password,
			SentinelPassword: c.Ephemeral.Redis.SentinelPassword,
			MasterName:       c.Ephemeral.Redis.MasterName,
		}
		return cfg.Open()
	default:
		return nil, fmt.Errorf("unknown ephemeral type %q", c.Ephemeral.Type)
	}
}

// TokenLifetimeDuration parses c.Auth.TokenLifetime, falling back to
// auth.TokenLifetime's default when unset.
func (c *Config) TokenLifetimeDuration() (time.Duration, error) {
	if c.Auth.TokenLifetime == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Auth.TokenLifetime)
}

// ReapIntervalDuration parses c.ReapInterval, defaulting to 5 minutes.
func (c *Config) ReapIntervalDuration() (time.Duration, error) {
	if c.ReapInterval == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.ReapInterval)
}
