package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Icerzack/excalisync/internal/auth"
	"github.com/Icerzack/excalisync/internal/cache"
	"github.com/Icerzack/excalisync/internal/discovery"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/rest"
	"github.com/Icerzack/excalisync/internal/rest/ws"
	"github.com/Icerzack/excalisync/internal/room"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

type Config struct {
	Apps struct {
		LogLevel   string `yaml:"log_level"`
		LogToFiles bool   `yaml:"log_to_files"`
		Rest       struct {
			Port              int           `yaml:"port"`
			ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
			ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
			AllowedOrigins    []string      `yaml:"allowed_origins"`
			WebSocket         struct {
				JoinTimeout    time.Duration `yaml:"join_timeout"`
				PingInterval   time.Duration `yaml:"ping_interval"`
				PongWait       time.Duration `yaml:"pong_wait"`
				WriteTimeout   time.Duration `yaml:"write_timeout"`
				MaxMessageSize int64         `yaml:"max_message_size"`
			} `yaml:"websocket"`
			Auth struct {
				Type string `yaml:"type"`
				JWT  struct {
					ValidationURL string `yaml:"validation_url"`
					HeaderName    string `yaml:"header_name"`
					Secret        string `yaml:"secret"`
					Issuer        string `yaml:"issuer"`
				} `yaml:"jwt"`
			} `yaml:"auth"`
		} `yaml:"rest"`
		Discovery struct {
			Enabled  bool   `yaml:"enabled"`
			Instance string `yaml:"instance"`
		} `yaml:"discovery"`
	} `yaml:"apps"`
	Rooms struct {
		DrainTimeout      time.Duration `yaml:"drain_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		EvictAfter        time.Duration `yaml:"evict_after"`
		ReplayBuffer      int           `yaml:"replay_buffer"`
		MaxReplayGap      int           `yaml:"max_replay_gap"`
		SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
		LoadTimeout       time.Duration `yaml:"load_timeout"`
		SaveTimeout       time.Duration `yaml:"save_timeout"`
		OutboundQueue     int           `yaml:"outbound_queue"`
		Bounds            models.Bounds `yaml:"bounds"`
	} `yaml:"rooms"`
	Storage struct {
		Snapshots struct {
			Type          string        `yaml:"type"`
			RedisAddress  string        `yaml:"redis_address"`
			RedisPassword string        `yaml:"redis_password"`
			RedisDB       int           `yaml:"redis_db"`
			RedisTTL      time.Duration `yaml:"redis_ttl"`
			PostgresDSN   string        `yaml:"postgres_dsn"`
			BoltPath      string        `yaml:"bolt_path"`
			SQLitePath    string        `yaml:"sqlite_path"`
		} `yaml:"snapshots"`
		Cache struct {
			Type string        `yaml:"type"`
			TTL  time.Duration `yaml:"ttl"`
		} `yaml:"cache"`
	} `yaml:"storage"`
}

// ParseConfig reads the YAML file at path, an empty path means defaults
// only. Variables from a .env file and the environment override the file.
func ParseConfig(path string, logger *zap.Logger) (*Config, error) {
	var config Config

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			logger.Error("Failed to open config file", zap.Error(err))
			return nil, fmt.Errorf("error opening file %w", err)
		}
		defer file.Close()

		err = yaml.NewDecoder(file).Decode(&config)
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Error("Failed to decode config file", zap.Error(err))
			return nil, fmt.Errorf("error decoding file %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("EXCALISYNC_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EXCALISYNC_PORT %q: %w", v, err)
		}
		c.Apps.Rest.Port = port
	}
	if v, ok := os.LookupEnv("EXCALISYNC_LOG_LEVEL"); ok {
		c.Apps.LogLevel = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.Storage.Snapshots.RedisAddress = v
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		c.Storage.Snapshots.RedisPassword = v
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		c.Storage.Snapshots.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		c.Apps.Rest.Auth.JWT.Secret = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Apps.LogLevel == "" {
		c.Apps.LogLevel = "info"
	}
	if c.Apps.Rest.Port == 0 {
		c.Apps.Rest.Port = 8080
	}
	if c.Apps.Rest.ReadHeaderTimeout == 0 {
		c.Apps.Rest.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Apps.Rest.ShutdownTimeout == 0 {
		c.Apps.Rest.ShutdownTimeout = 10 * time.Second
	}
	if c.Apps.Rest.Auth.Type == "" {
		c.Apps.Rest.Auth.Type = auth.NoneProviderType
	}
	if c.Apps.Rest.Auth.JWT.HeaderName == "" {
		c.Apps.Rest.Auth.JWT.HeaderName = "Authorization"
	}
	if c.Storage.Snapshots.Type == "" {
		c.Storage.Snapshots.Type = rStorage.InMemoryStorageType
	}
	if c.Storage.Snapshots.BoltPath == "" {
		c.Storage.Snapshots.BoltPath = "excalisync.db"
	}
	if c.Storage.Snapshots.SQLitePath == "" {
		c.Storage.Snapshots.SQLitePath = "excalisync.sqlite"
	}
	if c.Storage.Cache.Type == "" {
		c.Storage.Cache.Type = cache.InMemoryCacheType
	}
	if c.Storage.Cache.TTL == 0 {
		c.Storage.Cache.TTL = 5 * time.Minute
	}
}

func (c *Config) RoomConfig() room.Config {
	r := c.Rooms
	return room.Config{
		DrainTimeout:      r.DrainTimeout,
		HeartbeatInterval: r.HeartbeatInterval,
		HeartbeatTimeout:  r.HeartbeatTimeout,
		EvictAfter:        r.EvictAfter,
		ReplayBuffer:      r.ReplayBuffer,
		MaxReplayGap:      r.MaxReplayGap,
		SnapshotInterval:  r.SnapshotInterval,
		LoadTimeout:       r.LoadTimeout,
		SaveTimeout:       r.SaveTimeout,
		OutboundQueue:     r.OutboundQueue,
		Bounds:            r.Bounds,
	}
}

func (c *Config) RestConfig(logger *zap.Logger) *rest.Config {
	app := c.Apps.Rest
	snapshots := c.Storage.Snapshots
	return &rest.Config{
		Port:              app.Port,
		ReadHeaderTimeout: app.ReadHeaderTimeout,
		ShutdownTimeout:   app.ShutdownTimeout,
		Auth: rest.AuthConfig{
			Type:             app.Auth.Type,
			JwtValidationURL: app.Auth.JWT.ValidationURL,
			JwtHeaderName:    app.Auth.JWT.HeaderName,
			Secret:           app.Auth.JWT.Secret,
			Issuer:           app.Auth.JWT.Issuer,
		},
		CacheType:        c.Storage.Cache.Type,
		CacheTTL:         c.Storage.Cache.TTL,
		RoomsStorageType: snapshots.Type,
		Redis: rest.RedisConfig{
			Address:  snapshots.RedisAddress,
			Password: snapshots.RedisPassword,
			DB:       snapshots.RedisDB,
			RoomTTL:  snapshots.RedisTTL,
		},
		PostgresDSN: snapshots.PostgresDSN,
		BoltPath:    snapshots.BoltPath,
		SQLitePath:  snapshots.SQLitePath,
		Room:        c.RoomConfig(),
		WebSocket: ws.Config{
			JoinTimeout:    app.WebSocket.JoinTimeout,
			PingInterval:   app.WebSocket.PingInterval,
			PongWait:       app.WebSocket.PongWait,
			WriteTimeout:   app.WebSocket.WriteTimeout,
			MaxMessageSize: app.WebSocket.MaxMessageSize,
			AllowedOrigins: app.AllowedOrigins,
		},
		Logger: logger,
	}
}

func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		Instance: c.Apps.Discovery.Instance,
		Port:     c.Apps.Rest.Port,
	}
}
