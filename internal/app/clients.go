package app

import (
	redisclient "github.com/taskgrid/taskgrid-backend/internal/clients/redis"
	"github.com/taskgrid/taskgrid-backend/internal/platform/cache"
	"github.com/taskgrid/taskgrid-backend/internal/platform/envutil"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

type Clients struct {
	Cache    cache.Store
	EventBus *redisclient.EventBus
	redis    *redisclient.Cache
}

// wireClients prefers redis when REDIS_ADDR is set and degrades to the
// in-memory cache otherwise; the cache is never authoritative, so the
// fallback only changes visibility, not correctness.
func wireClients(log *logger.Logger) Clients {
	if envutil.String("REDIS_ADDR", "") == "" {
		log.Info("REDIS_ADDR not set; using in-memory cache")
		return Clients{Cache: cache.NewMemory()}
	}
	rc, err := redisclient.NewCache(log)
	if err != nil {
		log.Warn("redis unavailable; using in-memory cache", "error", err)
		return Clients{Cache: cache.NewMemory()}
	}
	return Clients{
		Cache:    rc,
		EventBus: redisclient.NewEventBus(log, rc),
		redis:    rc,
	}
}

func (c Clients) notifiers(log *logger.Logger) services.Notifier {
	fan := services.FanoutNotifier{services.NewLogNotifier(log)}
	if c.EventBus != nil {
		fan = append(fan, c.EventBus)
	}
	return fan
}

func (c Clients) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
