// Package config loads hub and client settings from flags, environment
// (RELAY_ prefix) and an optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"game_channel/internal/cryptographic/signature"
	"game_channel/internal/game"
)

const EnvPrefix = "RELAY"

const (
	KeyConfigFile    = "config"
	KeyAddr          = "addr"
	KeyOwnerKey      = "owner-key"
	KeyOwner         = "owner"
	KeyAccountKey    = "account-key"
	KeyServerURL     = "server-url"
	KeyGame          = "game"
	KeyMongoURI      = "mongo-uri"
	KeyMongoDatabase = "mongo-database"
	KeyRedisAddr     = "redis-addr"
	KeyRedisPassword = "redis-password"
	KeyRedisDB       = "redis-db"
	KeyNatsURL       = "nats-url"
	KeyQueueTTL      = "queue-ttl"
	KeyCacheTTL      = "cache-ttl"
	KeyLogLevel      = "log-level"
	KeyLogFile       = "log-file"
	KeyDevelopment   = "development"
)

var ErrMissingKey = errors.New("missing key")

type (
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Log struct {
		Level       string
		File        string
		Development bool
	}

	ServerConfig struct {
		Addr string

		// Owner signs session roots. Ephemeral is set when no key was
		// configured and one was generated.
		Owner     *signature.KeySigner
		Ephemeral bool

		MongoURI      string
		MongoDatabase string
		Redis         Redis
		NatsURL       string
		QueueTTL      time.Duration
		Log           Log
	}

	ClientConfig struct {
		ServerURL string
		Account   *signature.KeySigner
		// Owner, when set, pins the hub key that must sign session roots.
		Owner    *signature.Address
		Game     string
		Redis    Redis
		CacheTTL time.Duration
		Log      Log
	}
)

func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func ServerFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfigFile, "", "config file (yaml, toml or json)")
	fs.String(KeyAddr, "localhost:9090", "listen address")
	fs.String(KeyOwnerKey, "", "hex secp256k1 key signing session roots (generated when empty)")
	fs.String(KeyMongoURI, "mongodb://localhost:27017", "mongodb connection string")
	fs.String(KeyMongoDatabase, "relay", "mongodb database")
	redisFlags(fs)
	fs.String(KeyNatsURL, "", "nats server url for the accepted message feed (disabled when empty)")
	fs.Duration(KeyQueueTTL, 24*time.Hour, "how long frames wait for an offline account")
	logFlags(fs)
}

func ClientFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfigFile, "", "config file (yaml, toml or json)")
	fs.String(KeyServerURL, "ws://localhost:9090/session", "hub websocket url")
	fs.String(KeyAccountKey, "", "hex secp256k1 account key")
	fs.String(KeyOwner, "", "expected hub address; roots signed by anyone else are refused")
	fs.String(KeyGame, "ttt", "game to play")
	redisFlags(fs)
	fs.Duration(KeyCacheTTL, 24*time.Hour, "how long the local session log is cached")
	logFlags(fs)
}

func redisFlags(fs *pflag.FlagSet) {
	fs.String(KeyRedisAddr, "localhost:6379", "redis address")
	fs.String(KeyRedisPassword, "", "redis password")
	fs.Int(KeyRedisDB, 0, "redis database")
}

func logFlags(fs *pflag.FlagSet) {
	fs.String(KeyLogLevel, "info", "log level")
	fs.String(KeyLogFile, "", "write logs to this file instead of stderr")
	fs.Bool(KeyDevelopment, false, "human readable logs")
}

// Bind makes flags visible through v and reads the config file if one is
// named.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return nil
}

func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:          v.GetString(KeyAddr),
		MongoURI:      v.GetString(KeyMongoURI),
		MongoDatabase: v.GetString(KeyMongoDatabase),
		Redis:         loadRedis(v),
		NatsURL:       v.GetString(KeyNatsURL),
		QueueTTL:      v.GetDuration(KeyQueueTTL),
		Log:           loadLog(v),
	}
	if cfg.Addr == "" {
		return nil, errors.New("empty listen address")
	}
	if cfg.QueueTTL <= 0 {
		return nil, fmt.Errorf("queue ttl must be positive, got %s", cfg.QueueTTL)
	}

	var err error
	if key := v.GetString(KeyOwnerKey); key != "" {
		if cfg.Owner, err = signature.KeySignerFromHex(key); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyOwnerKey, err)
		}
	} else {
		if cfg.Owner, err = signature.GenerateKeySigner(); err != nil {
			return nil, err
		}
		cfg.Ephemeral = true
	}
	return cfg, nil
}

func LoadClient(v *viper.Viper, games game.Registry) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL: v.GetString(KeyServerURL),
		Game:      v.GetString(KeyGame),
		Redis:     loadRedis(v),
		CacheTTL:  v.GetDuration(KeyCacheTTL),
		Log:       loadLog(v),
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%s: scheme must be ws or wss, got %q", KeyServerURL, u.Scheme)
	}

	if _, err := games.Lookup(cfg.Game); err != nil {
		return nil, err
	}

	key := v.GetString(KeyAccountKey)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, KeyAccountKey)
	}
	if cfg.Account, err = signature.KeySignerFromHex(key); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyAccountKey, err)
	}

	if owner := v.GetString(KeyOwner); owner != "" {
		addr, err := signature.ParseAddress(owner)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyOwner, err)
		}
		cfg.Owner = &addr
	}
	return cfg, nil
}

func loadRedis(v *viper.Viper) Redis {
	return Redis{
		Addr:     v.GetString(KeyRedisAddr),
		Password: v.GetString(KeyRedisPassword),
		DB:       v.GetInt(KeyRedisDB),
	}
}

func loadLog(v *viper.Viper) Log {
	return Log{
		Level:       v.GetString(KeyLogLevel),
		File:        v.GetString(KeyLogFile),
		Development: v.GetBool(KeyDevelopment),
	}
}
