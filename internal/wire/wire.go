//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"style-studio-api/internal/config"
	"style-studio-api/internal/infrastructure/persistence/postgres"
	"style-studio-api/internal/interfaces/http/handler"
	"style-studio-api/internal/interfaces/http/router"
)

// InitializeApp 初始化整个应用（带路由器）
func InitializeApp(ctx context.Context, cfg *config.Config) (*router.Router, func(), error) {
	wire.Build(
		StoreSet,
		RedisSet,
		GenerationSet,
		RouterSet,
	)
	return nil, nil, nil
}

// InitializePostgresOnly 仅初始化 PostgreSQL 数据层（用于 bootstrap）
func InitializePostgresOnly(ctx context.Context, cfg *config.Config) (*PostgresLayer, func(), error) {
	wire.Build(
		PostgresSet,
		wire.Struct(new(PostgresLayer), "*"),
	)
	return nil, nil, nil
}

// PostgresSet PostgreSQL 提供者集合
var PostgresSet = wire.NewSet(
	ProvidePostgresClient,
	postgres.NewTxManager,
	postgres.NewUserRepository,
	postgres.NewGenerationRepository,
)

// StoreSet 按驱动选择的仓储
var StoreSet = wire.NewSet(
	ProvideStores,
	ProvideUserRepository,
)

// RedisSet 可选 Redis（缓存与事件流）
var RedisSet = wire.NewSet(
	ProvideRedisClientOptional,
	ProvideRecentCache,
	ProvideEventPublisher,
)

// GenerationSet 生成网关
var GenerationSet = wire.NewSet(
	ProvideFailurePolicy,
	ProvideGateway,
	ProvideUploadStore,
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	ProvideJWTManager,
	ProvideHealthHandler,
	handler.NewAuthHandler,
	ProvideGenerationHandler,
	ProvideRouterHandlers,
	router.New,
)
