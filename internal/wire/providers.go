// Package wire 提供依赖注入配置
package wire

import (
	"context"
	"fmt"

	"style-studio-api/internal/application/generation"
	"style-studio-api/internal/config"
	"style-studio-api/internal/domain/repository"
	"style-studio-api/internal/infrastructure/messaging"
	"style-studio-api/internal/infrastructure/persistence/memory"
	"style-studio-api/internal/infrastructure/persistence/postgres"
	"style-studio-api/internal/infrastructure/persistence/redis"
	"style-studio-api/internal/infrastructure/storage"
	"style-studio-api/internal/interfaces/http/handler"
	"style-studio-api/internal/interfaces/http/middleware"
	"style-studio-api/internal/interfaces/http/router"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/utils"
)

// 存储驱动
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Stores 按 storage.driver 选择的仓储实现
type Stores struct {
	Users       repository.UserRepository
	Generations repository.GenerationRepository
	// Postgres 仅 postgres 驱动时非空，用于就绪检查
	Postgres *postgres.Client
}

// PostgresLayer 仅包含 PostgreSQL 的数据层（用于 bootstrap）
type PostgresLayer struct {
	Client      *postgres.Client
	TxManager   *postgres.TxManager
	Users       *postgres.UserRepository
	Generations *postgres.GenerationRepository
}

// ProvidePostgresClient 提供 PostgreSQL 客户端
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideStores 按驱动创建仓储；postgres 驱动启动时执行迁移
func ProvideStores(ctx context.Context, cfg *config.Config) (*Stores, func(), error) {
	switch cfg.Storage.Driver {
	case "", DriverMemory:
		logger.Info(ctx, "using in-memory store")
		store := memory.NewStore()
		return &Stores{Users: store.Users(), Generations: store.Generations()}, func() {}, nil

	case DriverPostgres:
		client, cleanup, err := ProvidePostgresClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		return &Stores{
			Users:       postgres.NewUserRepository(client),
			Generations: postgres.NewGenerationRepository(client),
			Postgres:    client,
		}, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// ProvideUserRepository 提供用户仓储
func ProvideUserRepository(stores *Stores) repository.UserRepository {
	return stores.Users
}

// ProvideRedisClientOptional 缓存或事件流启用时连接 Redis，不可达时降级为 nil
func ProvideRedisClientOptional(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Cache.Enabled && !cfg.Messaging.RedisStream.Enabled {
		return nil, func() {}, nil
	}
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Warn(ctx, "redis not available, cache and events disabled", "error", err.Error())
		return nil, func() {}, nil
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideRecentCache 提供最近列表缓存，未启用时返回 nil
func ProvideRecentCache(cfg *config.Config, client *redis.Client) generation.RecentCache {
	if client == nil || !cfg.Cache.Enabled {
		return nil
	}
	return redis.NewCache(client)
}

// ProvideEventPublisher 提供完成事件发布者，未启用时返回 nil
func ProvideEventPublisher(cfg *config.Config, client *redis.Client) generation.EventPublisher {
	if client == nil || !cfg.Messaging.RedisStream.Enabled {
		return nil
	}
	s := cfg.Messaging.RedisStream
	return messaging.NewProducer(client.Redis(), messaging.Stream(s.Stream), int64(s.MaxLen))
}

// ProvideFailurePolicy 提供过载闸门
func ProvideFailurePolicy(cfg *config.Config) generation.FailurePolicy {
	return generation.NewProbabilisticPolicy(cfg.Generation.OverloadProbability, cfg.Generation.Seed)
}

// ProvideGateway 提供生成网关
func ProvideGateway(cfg *config.Config, stores *Stores, policy generation.FailurePolicy, cache generation.RecentCache, publisher generation.EventPublisher) *generation.Gateway {
	g := cfg.Generation
	return generation.NewGateway(stores.Generations, policy, generation.Options{
		LatencyMin: g.LatencyMin,
		LatencyMax: g.LatencyMax,
		Recent:     repository.Limit{Default: g.RecentDefault, Max: g.RecentMax},
		RecentTTL:  cfg.Cache.RecentTTL,
		Cache:      cache,
		Publisher:  publisher,
	})
}

// ProvideUploadStore 提供上传存储
func ProvideUploadStore(cfg *config.Config) (*storage.UploadStore, error) {
	return storage.NewUploadStore(&cfg.Storage)
}

// ProvideJWTManager 提供 JWT 管理器
func ProvideJWTManager(cfg *config.Config) *utils.JWTManager {
	j := cfg.Security.JWT
	return utils.NewJWTManager(j.Secret, j.Issuer, j.Expiration)
}

// ProvideHealthHandler 提供健康检查处理器；Postgres 为必需依赖，Redis 仅降级
func ProvideHealthHandler(cfg *config.Config, stores *Stores, client *redis.Client) *handler.HealthHandler {
	h := handler.NewHealthHandler(cfg.App.Version)
	if stores.Postgres != nil {
		h.WithCheck("postgres", true, stores.Postgres)
	}
	if client != nil {
		h.WithCheck("redis", false, client)
	}
	return h
}

// ProvideGenerationHandler 提供生成处理器
func ProvideGenerationHandler(gw *generation.Gateway, images *storage.UploadStore) *handler.GenerationHandler {
	return handler.NewGenerationHandler(gw, images)
}

// ProvideRouterHandlers 汇总路由依赖
func ProvideRouterHandlers(
	health *handler.HealthHandler,
	auth *handler.AuthHandler,
	gen *handler.GenerationHandler,
	tokens *utils.JWTManager,
	images *storage.UploadStore,
) router.Handlers {
	return router.Handlers{
		Health:     health,
		Auth:       auth,
		Generation: gen,
		Tokens:     tokens,
		UploadDir:  images.Dir(),
	}
}

var _ middleware.TokenParser = (*utils.JWTManager)(nil)
