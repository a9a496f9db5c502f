package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

// EventBus publishes scheduler events on a redis channel so external
// observers (dashboards, audit consumers) can follow status transitions
// without polling the stores.
type EventBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewEventBus(log *logger.Logger, cache *Cache) *EventBus {
	return &EventBus{
		log:     log.With("client", "RedisEventBus"),
		rdb:     cache.rdb,
		channel: Channel(),
	}
}

func (b *EventBus) publish(ev services.Event) {
	if b == nil || b.rdb == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

func (b *EventBus) JobStatusChanged(job *types.Job, reason string, detail map[string]any) {
	if job == nil {
		return
	}
	b.publish(services.Event{
		Type:   services.EventJobStatusChanged,
		At:     time.Now().UTC(),
		JobID:  job.ID.String(),
		Status: string(job.Status),
		Reason: reason,
		Detail: detail,
	})
}

func (b *EventBus) WorkerStatusChanged(worker *types.Worker, reason string, detail map[string]any) {
	if worker == nil {
		return
	}
	b.publish(services.Event{
		Type:     services.EventWorkerStatusChanged,
		At:       time.Now().UTC(),
		WorkerID: worker.ID,
		Status:   string(worker.Status),
		Reason:   reason,
		Detail:   detail,
	})
}
