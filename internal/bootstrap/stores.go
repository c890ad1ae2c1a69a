package bootstrap

import (
	"github.com/eleven-am/avatar-relay/internal/metrics"
	"github.com/eleven-am/avatar-relay/internal/turnlog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideMetricsStore(redisClient *redis.Client) *metrics.Store {
	return metrics.NewStore(redisClient)
}

func ProvideTurnLogStore(db *gorm.DB) *turnlog.Store {
	if db == nil {
		return nil
	}
	return turnlog.NewStore(db)
}

func RunMigrations(turnStore *turnlog.Store) error {
	if turnStore == nil {
		return nil
	}
	return turnStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideMetricsStore,
		ProvideTurnLogStore,
	),
	fx.Invoke(RunMigrations),
)
