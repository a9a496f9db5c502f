package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/taskgrid/taskgrid-backend/internal/domain"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

var ErrQueueFull = errors.New("QUEUE_FULL")

type Band int

const (
	BandHigh Band = iota
	BandNormal
	BandLow
)

func (b Band) String() string {
	switch b {
	case BandHigh:
		return "HIGH"
	case BandNormal:
		return "NORMAL"
	case BandLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// Bands in drain order.
var Bands = []Band{BandHigh, BandNormal, BandLow}

// BandFor maps a priority to its tier: >= 500 HIGH, 100..499 NORMAL, < 100 LOW.
func BandFor(priority int) Band {
	switch {
	case priority >= types.PriorityElevated:
		return BandHigh
	case priority >= types.PriorityHigh:
		return BandNormal
	default:
		return BandLow
	}
}

const (
	DefaultHighCapacity   = 1000
	DefaultNormalCapacity = 5000
	DefaultLowCapacity    = 10000
)

// Item is the queue's view of a ready job; the full record stays in the
// JobStore.
type Item struct {
	ID          uuid.UUID
	Priority    int
	SubmittedAt time.Time
}

/*
Queue is the three-tier ready-to-run queue. Within a band, order is FIFO by
submission time; between bands, drain order is HIGH then NORMAL then LOW
(enforced by the LoadBalancer, not here). Per-band capacity bounds reject
with QUEUE_FULL.
*/
type Queue struct {
	mu    sync.Mutex
	log   *logger.Logger
	caps  map[Band]int
	items map[Band][]Item
}

type Capacities struct {
	High   int
	Normal int
	Low    int
}

func DefaultCapacities() Capacities {
	return Capacities{High: DefaultHighCapacity, Normal: DefaultNormalCapacity, Low: DefaultLowCapacity}
}

func New(baseLog *logger.Logger, caps Capacities) *Queue {
	if caps.High <= 0 {
		caps.High = DefaultHighCapacity
	}
	if caps.Normal <= 0 {
		caps.Normal = DefaultNormalCapacity
	}
	if caps.Low <= 0 {
		caps.Low = DefaultLowCapacity
	}
	return &Queue{
		log: baseLog.With("component", "PriorityQueue"),
		caps: map[Band]int{
			BandHigh:   caps.High,
			BandNormal: caps.Normal,
			BandLow:    caps.Low,
		},
		items: map[Band][]Item{},
	}
}

/*
Enqueue admits a ready job into its band, keeping the band sorted by
submission time, so a retried job re-enters at its original submission
position, ahead of newer submissions.
*/
func (q *Queue) Enqueue(item Item) error {
	band := BandFor(item.Priority)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items[band]) >= q.caps[band] {
		return ErrQueueFull
	}
	for _, existing := range q.items[band] {
		if existing.ID == item.ID {
			return nil
		}
	}
	list := append(q.items[band], item)
	sort.SliceStable(list, func(i, j int) bool { return list[i].SubmittedAt.Before(list[j].SubmittedAt) })
	q.items[band] = list
	return nil
}

// RequeueTail puts an unassignable head item back at the end of its band so
// one stuck job does not block the rest of the band this cycle.
func (q *Queue) RequeueTail(item Item) error {
	band := BandFor(item.Priority)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[band]) >= q.caps[band] {
		return ErrQueueFull
	}
	q.items[band] = append(q.items[band], item)
	return nil
}

func (q *Queue) Peek(band Band) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[band]) == 0 {
		return Item{}, false
	}
	return q.items[band][0], true
}

func (q *Queue) Pop(band Band) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.items[band]
	if len(list) == 0 {
		return Item{}, false
	}
	head := list[0]
	q.items[band] = list[1:]
	return head, true
}

// RemoveIf drops every queued item matching the predicate (cancellation
// path) and returns how many were removed.
func (q *Queue) RemoveIf(pred func(Item) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for band, list := range q.items {
		kept := list[:0]
		for _, item := range list {
			if pred(item) {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		q.items[band] = kept
	}
	return removed
}

func (q *Queue) Size(band Band) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[band])
}

func (q *Queue) Sizes() map[Band]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Band]int, len(Bands))
	for _, b := range Bands {
		out[b] = len(q.items[b])
	}
	return out
}
