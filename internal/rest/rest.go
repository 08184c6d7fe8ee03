package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/auth"
	"github.com/Icerzack/excalisync/internal/cache"
	"github.com/Icerzack/excalisync/internal/cache/inmemory"
	redisCache "github.com/Icerzack/excalisync/internal/cache/redis"
	"github.com/Icerzack/excalisync/internal/rest/ws"
	"github.com/Icerzack/excalisync/internal/room"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
	boltRoom "github.com/Icerzack/excalisync/internal/storage/room/bolt"
	inmemRoom "github.com/Icerzack/excalisync/internal/storage/room/inmemory"
	postgresRoom "github.com/Icerzack/excalisync/internal/storage/room/postgres"
	redisRoom "github.com/Icerzack/excalisync/internal/storage/room/redis"
	sqliteRoom "github.com/Icerzack/excalisync/internal/storage/room/sqlite"
)

type Rest struct {
	config *Config

	server  *http.Server
	handler http.Handler

	redis        *goredis.Client
	roomsStorage rStorage.Storage
	persister    *room.Persister
	manager      *room.Manager

	persisterDone chan struct{}
}

func NewRest(config *Config) *Rest {
	return &Rest{
		config: config,
	}
}

// Init builds storage, identity and the room manager, and mounts the routes.
// Start calls it when it was not called before.
func (rest *Rest) Init() error {
	if rest.handler != nil {
		return nil
	}

	roomsStorage, err := rest.defineStorage()
	if err != nil {
		return err
	}
	rest.roomsStorage = roomsStorage

	identity, err := rest.defineIdentity()
	if err != nil {
		return err
	}

	rest.persister = room.NewPersister(roomsStorage, rest.config.Room.SaveTimeout, rest.config.Logger)
	rest.persisterDone = make(chan struct{})
	go func() {
		defer close(rest.persisterDone)
		rest.persister.Run()
	}()
	rest.manager = room.NewManager(rest.config.Room, roomsStorage, rest.persister, rest.config.Logger)

	router := chi.NewRouter()
	router.Use(accessLog(rest.config.Logger))

	// Define the /ping endpoint
	router.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, err := w.Write([]byte("pong"))
		if err != nil {
			return
		}
	})

	api := &api{manager: rest.manager, logger: rest.config.Logger}
	router.Get("/rooms", api.listRooms)
	router.Get("/rooms/{roomID}/snapshot", api.snapshot)
	router.Get("/rooms/{roomID}/export.pdf", api.exportPDF)

	// Define the /ws endpoint
	wsServer := ws.NewWebSocketHandler(rest.manager, identity, rest.config.WebSocket, rest.config.Logger)
	router.HandleFunc("/ws", wsServer.Handle)

	rest.handler = router
	rest.server = &http.Server{
		Addr:              ":" + strconv.Itoa(rest.config.Port),
		Handler:           router,
		ReadHeaderTimeout: rest.config.ReadHeaderTimeout,
	}
	return nil
}

// Handler returns the router, Init must have been called.
func (rest *Rest) Handler() http.Handler {
	return rest.handler
}

// Manager returns the room manager, Init must have been called.
func (rest *Rest) Manager() *room.Manager {
	return rest.manager
}

func (rest *Rest) Start() error {
	if err := rest.Init(); err != nil {
		return err
	}

	rest.config.Logger.Info("Listening", zap.Int("port", rest.config.Port))
	if err := rest.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rest.config.Logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (rest *Rest) Serve(l net.Listener) error {
	if err := rest.Init(); err != nil {
		return err
	}
	if err := rest.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener, destroys every room so it is persisted, then
// waits for the pending writes before closing storage.
func (rest *Rest) Stop() {
	timeout := rest.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if rest.server != nil {
		if err := rest.server.Shutdown(ctx); err != nil {
			rest.config.Logger.Error("server error", zap.Error(err))
		}
	}
	if rest.manager != nil {
		if err := rest.manager.Close(ctx); err != nil {
			rest.config.Logger.Error("Failed to close rooms", zap.Error(err))
		}
	}
	if rest.persister != nil {
		rest.persister.Close()
		<-rest.persisterDone
	}
	if rest.roomsStorage != nil {
		if err := rest.roomsStorage.Close(); err != nil {
			rest.config.Logger.Error("Failed to close room storage", zap.Error(err))
		}
	}
	if rest.redis != nil {
		_ = rest.redis.Close()
	}
}

func (rest *Rest) defineStorage() (rStorage.Storage, error) {
	logger := rest.config.Logger

	switch rest.config.RoomsStorageType {
	case rStorage.RedisStorageType:
		logger.Info("Using redis storage for rooms")
		client, err := rest.redisClient()
		if err != nil {
			return nil, err
		}
		return redisRoom.NewStorageWithClient(client, rest.config.Redis.RoomTTL, logger), nil
	case rStorage.PostgresStorageType:
		logger.Info("Using postgres storage for rooms")
		return postgresRoom.NewStorage(rest.config.PostgresDSN, logger)
	case rStorage.BoltStorageType:
		logger.Info("Using bolt storage for rooms", zap.String("path", rest.config.BoltPath))
		return boltRoom.NewStorage(rest.config.BoltPath, logger)
	case rStorage.SQLiteStorageType:
		logger.Info("Using sqlite storage for rooms", zap.String("path", rest.config.SQLitePath))
		return sqliteRoom.NewStorage(rest.config.SQLitePath, logger)
	case rStorage.InMemoryStorageType:
		logger.Info("Using in-memory storage for rooms")
		return inmemRoom.NewStorage(logger), nil
	default:
		logger.Info("Using in-memory storage for rooms")
		return inmemRoom.NewStorage(logger), nil
	}
}

func (rest *Rest) defineCache() (cache.Cache, error) {
	switch rest.config.CacheType {
	case cache.RedisCacheType:
		rest.config.Logger.Info("Using redis cache")
		client, err := rest.redisClient()
		if err != nil {
			return nil, err
		}
		return redisCache.NewCache(client, rest.config.Logger), nil
	default:
		rest.config.Logger.Info("Using in-memory cache")
		return inmemory.NewCache(rest.config.Logger), nil
	}
}

func (rest *Rest) defineIdentity() (auth.Provider, error) {
	cfg := rest.config.Auth
	switch cfg.Type {
	case auth.RemoteProviderType:
		if cfg.JwtValidationURL == "" {
			return nil, fmt.Errorf("remote auth requires a validation url")
		}
		c, err := rest.defineCache()
		if err != nil {
			return nil, err
		}
		rest.config.Logger.Info("Using remote identity provider", zap.String("url", cfg.JwtValidationURL))
		return auth.NewRemoteProvider(cfg.JwtValidationURL, cfg.JwtHeaderName, c, rest.config.CacheTTL, rest.config.Logger), nil
	case auth.HMACProviderType:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("hmac auth requires a secret")
		}
		rest.config.Logger.Info("Using hmac identity provider")
		return auth.NewHMACProvider(cfg.Secret, cfg.Issuer), nil
	default:
		rest.config.Logger.Warn("Identity is not verified, clients are trusted")
		return auth.NoneProvider{}, nil
	}
}

// redisClient is shared by the room storage and the cache.
func (rest *Rest) redisClient() (*goredis.Client, error) {
	if rest.redis != nil {
		return rest.redis, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         rest.config.Redis.Address,
		Password:     rest.config.Redis.Password,
		DB:           rest.config.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", rest.config.Redis.Address, err)
	}
	rest.redis = client
	return client, nil
}
