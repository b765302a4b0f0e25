package ollamacord

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// QueryQueue is a FIFO queue of Query records waiting to be answered.
// Queries are ordered by creation time.
type QueryQueue struct {
	queue  *queryHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
	db     DBI

	// onDrop is called, outside the queue lock, for each query the queue
	// discards without it being answered
	onDrop func(ctx context.Context, q *Query, state QueryState)
}

func NewQueryQueue(config *QueueConfig, logger *slog.Logger) *QueryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &QueryQueue{
		queue:  &queryHeap{},
		logger: logger,
		config: config,
	}
	heap.Init(q.queue)
	return q
}

// Clear empties the queue, marking each removed query aborted, and
// returns the number of queries removed
func (u *QueryQueue) Clear(ctx context.Context) int {
	u.mu.Lock()
	removed := *u.queue
	u.queue = &queryHeap{}
	heap.Init(u.queue)
	for _, q := range removed {
		u.updateState(ctx, q, QueryStateAborted)
	}
	u.mu.Unlock()

	for _, q := range removed {
		u.dropped(ctx, q)
	}
	return len(removed)
}

func (u *QueryQueue) dropped(ctx context.Context, q *Query) {
	if u.onDrop != nil {
		u.onDrop(ctx, q, q.State)
	}
}

func (u *QueryQueue) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.queue.Len()
}

func (u *QueryQueue) updateState(ctx context.Context, q *Query, state QueryState) {
	q.State = state
	if u.db == nil {
		return
	}
	if _, err := u.db.Update(ctx, q, columnQueryState, state); err != nil {
		loggerOrDefault(ctx, u.logger).ErrorContext(
			ctx,
			"failed to update query state",
			"state", state,
			tint.Err(err),
		)
	}
}

// Pop returns the oldest queued Query, or nil if the queue is empty.
// Queries older than [QueueConfig.MaxAge] are discarded and marked
// expired, and queries no longer in the queued state are skipped.
func (u *QueryQueue) Pop(ctx context.Context) *Query {
	var expired []*Query
	defer func() {
		for _, q := range expired {
			u.dropped(ctx, q)
		}
	}()
	u.mu.Lock()
	defer u.mu.Unlock()

	for u.queue.Len() > 0 {
		q := heap.Pop(u.queue).(*Query)
		logger := u.logger.With("query", q)
		qctx := WithLogger(ctx, logger)

		if u.config.MaxAge > 0 {
			if age := q.Age(); age > u.config.MaxAge {
				logger.WarnContext(
					qctx,
					"discarded old query",
					"max_age", u.config.MaxAge,
					"query_age", age,
				)
				u.updateState(qctx, q, QueryStateExpired)
				expired = append(expired, q)
				continue
			}
		}

		if q.State != QueryStateQueued {
			logger.WarnContext(
				qctx,
				fmt.Sprintf("expected state '%s', got: '%s'", QueryStateQueued, q.State),
			)
			continue
		}

		logger.InfoContext(qctx, "popped query", "queue_size", u.queue.Len())
		return q
	}
	return nil
}

// Push saves q in the queued state and adds it to the queue. When the
// queue is full, the oldest query is removed and marked aborted. Queries
// older than [QueueConfig.MaxAge] are rejected with ErrQueryTooOld.
func (u *QueryQueue) Push(ctx context.Context, q *Query) error {
	var oldest *Query
	defer func() {
		if oldest != nil {
			u.dropped(ctx, oldest)
		}
	}()
	u.mu.Lock()
	defer u.mu.Unlock()

	logger := loggerOrDefault(ctx, u.logger).With("query", q)
	ctx = WithLogger(ctx, logger)

	if u.config.Size > 0 && u.queue.Len() >= u.config.Size {
		oldest = heap.Pop(u.queue).(*Query)
		logger.WarnContext(
			ctx,
			"queue full, aborting oldest query",
			"dropped_query", oldest,
			"max_size", u.config.Size,
		)
		u.updateState(ctx, oldest, QueryStateAborted)
	}

	q.State = QueryStateQueued
	q.Step = QueryStepEnqueue
	if q.CreatedAt == 0 {
		q.CreatedAt = time.Now().UnixMilli()
	}
	if u.db != nil {
		// Save rather than Update, as the query may not have an ID yet
		if _, err := u.db.Save(ctx, q); err != nil {
			logger.ErrorContext(ctx, "failed to save queued query", tint.Err(err))
			return err
		}
	}

	if age := q.Age(); u.config.MaxAge > 0 && age > u.config.MaxAge {
		logger.WarnContext(
			ctx,
			"discarding old query",
			"max_age", u.config.MaxAge,
			"query_age", age,
		)
		u.updateState(ctx, q, QueryStateExpired)
		return fmt.Errorf("%w: (age: %s)", ErrQueryTooOld, age)
	}

	heap.Push(u.queue, q)
	logger.InfoContext(ctx, "queued query", "queue_size", u.queue.Len())
	return nil
}

type queryHeap []*Query

func (pq queryHeap) Len() int {
	return len(pq)
}

func (pq queryHeap) Less(i, j int) bool {
	if pq[i].CreatedAt == pq[j].CreatedAt {
		return pq[i].ID < pq[j].ID
	}
	return pq[i].CreatedAt < pq[j].CreatedAt
}

func (pq queryHeap) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *queryHeap) Push(x any) {
	n := len(*pq)
	item := x.(*Query)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *queryHeap) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// nextRequestAvailable returns the time when the next request is
// available, and whether it's available immediately, given the times
// of previous requests. limit is the maximum number of requests within
// timespan, ending at currentTime.
func nextRequestAvailable(
	requests []time.Time,
	limit int,
	timespan time.Duration,
	currentTime time.Time,
) (time.Time, bool) {
	if limit <= 0 || len(requests) == 0 {
		return currentTime, true
	}

	startTS := currentTime.Add(-timespan)
	requestsInWindow := make([]time.Time, 0, len(requests))
	for _, r := range requests {
		if r.Before(startTS) {
			continue
		}
		requestsInWindow = append(requestsInWindow, r)
	}
	ct := len(requestsInWindow)
	if ct < limit {
		return currentTime, true
	}

	slices.SortFunc(
		requestsInWindow, func(a, b time.Time) int {
			return cmp.Compare(a.UnixMilli(), b.UnixMilli())
		},
	)
	// a request frees up once the (ct-limit)th oldest leaves the window
	return requestsInWindow[ct-limit].Add(timespan), false
}
