package rest

import (
	"time"

	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/rest/ws"
	"github.com/Icerzack/excalisync/internal/room"
)

type Config struct {
	// Port is the port where the server will listen
	Port int

	// ReadHeaderTimeout bounds reading request headers
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds draining connections and persisting rooms on stop
	ShutdownTimeout time.Duration

	Auth AuthConfig

	// CacheType selects where resolved identities are cached
	CacheType string
	CacheTTL  time.Duration

	// RoomsStorageType selects where room snapshots are persisted
	RoomsStorageType string
	Redis            RedisConfig
	PostgresDSN      string
	BoltPath         string
	SQLitePath       string

	Room      room.Config
	WebSocket ws.Config

	Logger *zap.Logger
}

type AuthConfig struct {
	// Type is one of auth.NoneProviderType, auth.RemoteProviderType or auth.HMACProviderType
	Type string

	// JwtValidationURL is the URL which returns the user behind a token
	JwtValidationURL string
	JwtHeaderName    string

	// Secret and Issuer configure HS256 token validation
	Secret string
	Issuer string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// RoomTTL expires stored rooms nobody joined for a while
	RoomTTL time.Duration
}
