package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

/*
WorkerChannel is the engine's only view of the worker process: jobs go out
as deliveries, stop requests go out for cancellation. Status comes back
through heartbeats and outcome reports, not through this interface.
*/
type WorkerChannel interface {
	Deliver(ctx context.Context, workerID string, job *types.Job) error
	RequestStop(ctx context.Context, workerID string, jobID uuid.UUID) error
}

// Delivery is one message on a worker's local channel.
type Delivery struct {
	Job   *types.Job
	Stop  bool
	JobID uuid.UUID
}

const defaultChannelBuffer = 64

/*
LocalWorkerChannel is the in-process default: one buffered channel per
worker. The demo loop and tests subscribe to it; a real deployment replaces
it with a transport adapter. OnDeliver, when set, is invoked synchronously
after a successful delivery (the engine uses it to auto-confirm starts in
single-process mode).
*/
type LocalWorkerChannel struct {
	log       *logger.Logger
	mu        sync.Mutex
	queues    map[string]chan Delivery
	buffer    int
	OnDeliver func(workerID string, job *types.Job)
}

func NewLocalWorkerChannel(baseLog *logger.Logger) *LocalWorkerChannel {
	return &LocalWorkerChannel{
		log:    baseLog.With("service", "LocalWorkerChannel"),
		queues: map[string]chan Delivery{},
		buffer: defaultChannelBuffer,
	}
}

func (c *LocalWorkerChannel) queue(workerID string) chan Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[workerID]
	if !ok {
		q = make(chan Delivery, c.buffer)
		c.queues[workerID] = q
	}
	return q
}

// Subscribe exposes a worker's delivery stream.
func (c *LocalWorkerChannel) Subscribe(workerID string) <-chan Delivery {
	return c.queue(workerID)
}

func (c *LocalWorkerChannel) Deliver(_ context.Context, workerID string, job *types.Job) error {
	select {
	case c.queue(workerID) <- Delivery{Job: job}:
	default:
		return fmt.Errorf("worker %s channel full", workerID)
	}
	if c.OnDeliver != nil {
		c.OnDeliver(workerID, job)
	}
	return nil
}

func (c *LocalWorkerChannel) RequestStop(_ context.Context, workerID string, jobID uuid.UUID) error {
	select {
	case c.queue(workerID) <- Delivery{Stop: true, JobID: jobID}:
		return nil
	default:
		return fmt.Errorf("worker %s channel full", workerID)
	}
}
