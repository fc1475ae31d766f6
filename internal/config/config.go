package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Log struct {
		Level  string
		Format string
	}
	Database struct {
		Driver string
		Path   string
	}
	Mongo struct {
		URI      string
		Database string
	}
	Hashing struct {
		Cost int
	}
	Storage struct {
		Bucket           string
		KeyPrefix        string
		Region           string
		Endpoint         string
		URLExpiryMinutes int
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables, an optional .env
// file and an optional config file in the working directory.
func Load() (Config, error) {
	// variables already in the environment win over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("USERKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/users.db")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "userkeeper")
	v.SetDefault("hashing.cost", 12)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "user-photos")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.urlexpiryminutes", 15)
	v.SetDefault("aws.profile", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings the application cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	case DriverMongo:
		if strings.TrimSpace(c.Mongo.URI) == "" {
			return fmt.Errorf("mongo uri is required for the mongo driver")
		}
		if strings.TrimSpace(c.Mongo.Database) == "" {
			return fmt.Errorf("mongo database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Hashing.Cost < bcrypt.MinCost || c.Hashing.Cost > bcrypt.MaxCost {
		return fmt.Errorf("hashing cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.Hashing.Cost)
	}
	if c.Storage.URLExpiryMinutes <= 0 {
		return fmt.Errorf("storage url expiry must be positive")
	}
	return nil
}
