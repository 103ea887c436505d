// Package queue implements the prioritized order queue between risk
// validation and dispatch.
//
// Orders are scored 0-10 and land in one of three bands. Dequeue always
// drains the highest non-empty band; within a band, highest priority first,
// FIFO between equals. Outflow is governed by a token bucket and a concurrent
// in-flight cap; both gates must pass before an order leaves the queue.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PriorityBand names one of the three queue bands.
type PriorityBand string

const (
	BandHigh   PriorityBand = "high"   // 8-10
	BandMedium PriorityBand = "medium" // 5-7
	BandLow    PriorityBand = "low"    // 0-4
)

// Operation metadata values that raise priority.
const (
	MetaOperation   = "operation"
	OperationModify = "MODIFY"
	OperationCancel = "CANCEL"
)

const statsWindow = 20

// ComputePriority scores an order 0-10.
func ComputePriority(order *core.Order, sourceKind core.SourceKind) int {
	priority := 5

	switch {
	case order.Metadata[core.MetaBracketKind] == core.BracketKindSL:
		priority = 9
	case order.Metadata[core.MetaBracketKind] == core.BracketKindTP:
		priority = 7
	case order.Metadata[MetaOperation] == OperationModify,
		order.Metadata[MetaOperation] == OperationCancel:
		priority = 8
	case order.Type == core.TypeMarket:
		priority = 10
	case order.Type == core.TypeLimit:
		priority = 5
	}

	if order.Urgency {
		priority += 2
	}
	if sourceKind == core.SourceManual {
		priority++
	}
	if order.RetryCount > 0 {
		priority++
	}

	if priority > 10 {
		priority = 10
	}
	return priority
}

// BandFor maps a priority score to its band.
func BandFor(priority int) PriorityBand {
	switch {
	case priority >= 8:
		return BandHigh
	case priority >= 5:
		return BandMedium
	default:
		return BandLow
	}
}

type queuedOrder struct {
	tracked  *core.TrackedOrder
	priority int
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Depth        int                  `json:"depth"`
	BandDepths   map[PriorityBand]int `json:"bandDepths"`
	InFlight     int                  `json:"inFlight"`
	Tokens       float64              `json:"tokens"`
	AvgWaitMs    float64              `json:"avgWaitMs"`
	P95WaitMs    float64              `json:"p95WaitMs"`
	AvgProcessMs float64              `json:"avgProcessMs"`
	P95ProcessMs float64              `json:"p95ProcessMs"`
	Enqueued     int64                `json:"enqueued"`
	Dequeued     int64                `json:"dequeued"`
	RejectedFull int64                `json:"rejectedFull"`
}

// Queue is the three-band priority queue with throttle gates.
type Queue struct {
	cfg    config.QueueConfig
	logger core.ILogger

	mu       sync.Mutex
	bands    map[PriorityBand][]*queuedOrder
	limiter  *rate.Limiter
	inFlight int

	waitTimes    *rollingWindow
	processTimes *rollingWindow

	enqueued     int64
	dequeued     int64
	rejectedFull int64
}

// New creates an order queue.
func New(cfg config.QueueConfig, logger core.ILogger) *Queue {
	return &Queue{
		cfg:    cfg,
		logger: logger.WithField("component", "queue"),
		bands: map[PriorityBand][]*queuedOrder{
			BandHigh:   {},
			BandMedium: {},
			BandLow:    {},
		},
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxOrdersPerSecond), cfg.BurstLimit),
		waitTimes:    newRollingWindow(statsWindow),
		processTimes: newRollingWindow(statsWindow),
	}
}

// Enqueue scores the order and inserts it into its band in priority order,
// behind earlier orders of the same priority. Returns ErrQueueFull when the
// total depth is at capacity.
func (q *Queue) Enqueue(order *core.Order, sourceKind core.SourceKind) (*core.TrackedOrder, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depthLocked() >= q.cfg.MaxSize {
		q.rejectedFull++
		return nil, fmt.Errorf("%w: depth %d at capacity %d",
			apperrors.ErrQueueFull, q.depthLocked(), q.cfg.MaxSize)
	}

	priority := ComputePriority(order, sourceKind)
	band := BandFor(priority)
	now := time.Now()

	tracked := &core.TrackedOrder{
		Order:      *order,
		Status:     core.StatusQueued,
		QueueID:    uuid.NewString(),
		QueuedAt:   now,
		LastUpdate: now,
	}

	items := q.bands[band]
	idx := sort.Search(len(items), func(i int) bool { return items[i].priority < priority })
	items = append(items, nil)
	copy(items[idx+1:], items[idx:])
	items[idx] = &queuedOrder{tracked: tracked, priority: priority}
	q.bands[band] = items
	q.enqueued++

	q.logger.Debug("order enqueued",
		"order_id", order.ID, "band", string(band), "priority", priority,
		"depth", q.depthLocked())
	return tracked, nil
}

// TryDequeue removes the head of the highest non-empty band if both the token
// bucket and the in-flight cap allow it. Returns nil when nothing can leave.
func (q *Queue) TryDequeue() *core.TrackedOrder {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depthLocked() == 0 {
		return nil
	}
	if q.inFlight >= q.cfg.MaxConcurrentInFlight {
		return nil
	}
	if !q.limiter.Allow() {
		return nil
	}

	for _, band := range []PriorityBand{BandHigh, BandMedium, BandLow} {
		items := q.bands[band]
		if len(items) == 0 {
			continue
		}

		head := items[0]
		q.bands[band] = items[1:]

		q.inFlight++
		q.dequeued++
		q.waitTimes.add(float64(time.Since(head.tracked.QueuedAt).Milliseconds()))

		head.tracked.Status = core.StatusProcessing
		head.tracked.LastUpdate = time.Now()
		return head.tracked
	}
	return nil
}

// Release returns an in-flight slot and records the processing duration.
func (q *Queue) Release(processingTime time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	q.processTimes.add(float64(processingTime.Milliseconds()))
}

// Requeue puts a failed order back for another attempt. MaxRetries bounds
// the total number of dispatch attempts; once the count reaches it the order
// is not requeued and the caller owns the terminal transition.
func (q *Queue) Requeue(tracked *core.TrackedOrder, sourceKind core.SourceKind) (bool, error) {
	tracked.RetryCount++
	if tracked.RetryCount >= q.cfg.MaxRetries {
		return false, nil
	}

	tracked.Status = core.StatusQueued
	requeued, err := q.Enqueue(&tracked.Order, sourceKind)
	if err != nil {
		return false, err
	}

	tracked.QueueID = requeued.QueueID
	tracked.QueuedAt = requeued.QueuedAt
	tracked.LastUpdate = requeued.LastUpdate
	return true, nil
}

// Depth returns the total number of queued orders.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// InFlight returns the number of dispatched-but-unreleased orders.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Tokens returns the current token bucket level.
func (q *Queue) Tokens() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limiter.Tokens()
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Depth: q.depthLocked(),
		BandDepths: map[PriorityBand]int{
			BandHigh:   len(q.bands[BandHigh]),
			BandMedium: len(q.bands[BandMedium]),
			BandLow:    len(q.bands[BandLow]),
		},
		InFlight:     q.inFlight,
		Tokens:       q.limiter.Tokens(),
		AvgWaitMs:    q.waitTimes.avg(),
		P95WaitMs:    q.waitTimes.p95(),
		AvgProcessMs: q.processTimes.avg(),
		P95ProcessMs: q.processTimes.p95(),
		Enqueued:     q.enqueued,
		Dequeued:     q.dequeued,
		RejectedFull: q.rejectedFull,
	}
}

func (q *Queue) depthLocked() int {
	return len(q.bands[BandHigh]) + len(q.bands[BandMedium]) + len(q.bands[BandLow])
}

// rollingWindow keeps the last n samples for avg/p95.
type rollingWindow struct {
	values []float64
	next   int
	filled bool
}

func newRollingWindow(n int) *rollingWindow {
	return &rollingWindow{values: make([]float64, 0, n)}
}

func (w *rollingWindow) add(v float64) {
	if len(w.values) < cap(w.values) {
		w.values = append(w.values, v)
		return
	}
	w.values[w.next] = v
	w.next = (w.next + 1) % cap(w.values)
	w.filled = true
}

func (w *rollingWindow) avg() float64 {
	if len(w.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

func (w *rollingWindow) p95() float64 {
	if len(w.values) == 0 {
		return 0
	}
	sorted := make([]float64, len(w.values))
	copy(sorted, w.values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
