package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable evtap reads, e.g. EVTAP_TRANSPORT.
const EnvPrefix = "EVTAP"

// Config holds the evtap configuration loaded from flags, environment
// variables, .env files and the config file.
type Config struct {
	ConfigFile string `mapstructure:"config"`

	Transport string `mapstructure:"transport" validate:"required,oneof=channel redis nats kafka mongodb"`
	Addr      string `mapstructure:"addr" validate:"required_unless=Transport channel"`
	Codec     string `mapstructure:"codec" validate:"oneof=json msgpack proto protobuf"`
	Source    string `mapstructure:"source" validate:"required"`
	Prefix    string `mapstructure:"prefix"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	BufferSize int           `mapstructure:"buffer_size" validate:"gte=0"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`

	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig selects the collection used by the mongodb transport.
type MongoConfig struct {
	Database   string        `mapstructure:"database" validate:"required"`
	Collection string        `mapstructure:"collection" validate:"required"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// setDefaults registers every key so that AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("transport", "channel")
	v.SetDefault("addr", "")
	v.SetDefault("codec", "json")
	v.SetDefault("source", "evtap")
	v.SetDefault("prefix", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("buffer_size", 0)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("mongo.database", "eventstream")
	v.SetDefault("mongo.collection", "events")
	v.SetDefault("mongo.ttl", time.Duration(0))
}

// LoadConfig loads configuration in order of precedence:
// 1. Command-line flags bound to v
// 2. Environment variables (EVTAP_*)
// 3. .env files
// 4. Config file (--config, or .evtap.yaml in the working or home directory)
// 5. Defaults
func LoadConfig(v *viper.Viper, envFiles ...string) (*Config, error) {
	loadEnvFiles(envFiles)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(".evtap")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles(files []string) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

var validate = validator.New()

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("invalid config %s: failed %q (value %v)",
			strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}
