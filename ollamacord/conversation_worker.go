package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	workerIdleCheckInterval = 30 * time.Second
	workerStopSignalTimeout = 5 * time.Second
	defaultWorkerBufferSize = 100
)

// workerLimiter tracks when a worker last handled a query, to determine
// when it has been idle long enough to stop.
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastQueryAt is the last time the worker started a query. If
	// LastQueryAt+IdleTimeout is in the past, the worker can be stopped.
	LastQueryAt time.Time

	mu sync.Mutex
}

// Expired returns when the worker expires, and whether that's in the past
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiresAt := w.LastQueryAt.Add(w.IdleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

func (w *workerLimiter) SetLastQuery(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastQueryAt = ts
}

// conversationWorker answers the queries for a single conversation, one
// at a time and in the order they were dispatched. Queries for
// different conversations are handled by different workers, which run
// concurrently.
type conversationWorker struct {
	conversationID string

	// queryCh receives queries from dispatchQuery
	queryCh chan *Query

	// signalStop tells the worker to finish its current query and stop.
	// Queries still buffered on queryCh are marked aborted.
	signalStop chan struct{}

	// stopped receives the time the worker stopped
	stopped chan time.Time

	limiter *workerLimiter

	// how often the worker checks whether it's been idle for longer
	// than the limiter's IdleTimeout
	idleTimeoutCheckInterval time.Duration

	o *Ollamacord
}

func newConversationWorker(o *Ollamacord, conversationID string) *conversationWorker {
	bufSize := defaultWorkerBufferSize
	if o.config.Queue != nil && o.config.Queue.Size > 0 {
		bufSize = o.config.Queue.Size
	}
	idleTimeout := o.config.WorkerIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultWorkerIdleTimeout
	}
	checkInterval := workerIdleCheckInterval
	if idleTimeout < checkInterval {
		checkInterval = idleTimeout
	}
	return &conversationWorker{
		conversationID:           conversationID,
		queryCh:                  make(chan *Query, bufSize),
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan time.Time, 1),
		limiter:                  &workerLimiter{IdleTimeout: idleTimeout},
		idleTimeoutCheckInterval: checkInterval,
		o:                        o,
	}
}

// Run handles queries until ctx is canceled, a stop signal is received,
// or the worker is idle for longer than its IdleTimeout with nothing
// left to do.
func (w *conversationWorker) Run(ctx context.Context, startCh chan struct{}) {
	log := loggerOrDefault(ctx, w.o.logger).With("conversation_id", w.conversationID)
	ctx = WithLogger(ctx, log)

	defer func() {
		select {
		case w.stopped <- time.Now():
		case <-time.After(workerStopSignalTimeout):
			log.Warn("timed out sending stop notification")
		}
	}()

	log.InfoContext(ctx, "starting conversation worker")
	startedAt := time.Now()
	ticker := time.NewTicker(w.idleTimeoutCheckInterval)

	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.InfoContext(
			ctx,
			"stopped conversation worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
	}()

	w.limiter.SetLastQuery(time.Now())
	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			w.drain(ctx)
			return
		case <-w.signalStop:
			log.WarnContext(ctx, "got stop signal")
			w.drain(ctx)
			return
		case <-ticker.C:
			expiresAt, isExpired := w.limiter.Expired()
			if isExpired && w.o.retireWorker(w) {
				log.InfoContext(
					ctx,
					"worker idle, stopping",
					"idle_timeout", w.limiter.IdleTimeout,
					"worker_expired", expiresAt,
				)
				return
			}
			log.DebugContext(
				ctx,
				fmt.Sprintf(
					"worker expires in: %s",
					time.Until(expiresAt).Round(time.Second).String(),
				),
			)
		case q := <-w.queryCh:
			w.handleQuery(ctx, q)
		}
	}
}

// handleQuery answers q, recovering from any panic if the runtime
// config allows it
func (w *conversationWorker) handleQuery(ctx context.Context, q *Query) {
	w.limiter.SetLastQuery(time.Now())
	w.o.queriesInProgress.Add(1)
	defer w.o.queriesInProgress.Add(-1)

	if w.o.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
				w.o.abortQuery(ctx, q, QueryStateFailed)
			}
		}()
	}
	w.o.answerQuery(ctx, q)
}

// drain marks any queries still waiting on the worker as aborted
func (w *conversationWorker) drain(ctx context.Context) {
	for {
		select {
		case q := <-w.queryCh:
			w.o.abortQuery(ctx, q, QueryStateAborted)
		default:
			return
		}
	}
}

// dispatchQuery sends q to its conversation's worker, starting a worker
// if the conversation doesn't have one. If the worker's buffer is full,
// the query is aborted.
func (o *Ollamacord) dispatchQuery(ctx context.Context, q *Query) {
	o.workerMu.Lock()
	defer o.workerMu.Unlock()

	worker := o.workers[q.ConversationID]
	if worker == nil {
		worker = newConversationWorker(o, q.ConversationID)
		startSignal := make(chan struct{}, 1)
		o.workers[q.ConversationID] = worker

		go func() {
			o.workersRunning.Add(1)
			defer o.workersRunning.Add(-1)

			worker.Run(o.workerCtx(ctx), startSignal)

			o.workerMu.Lock()
			defer o.workerMu.Unlock()
			if w, ok := o.workers[worker.conversationID]; ok && w == worker {
				delete(o.workers, worker.conversationID)
			}
		}()
		<-startSignal
	}

	select {
	case worker.queryCh <- q:
	default:
		loggerOrDefault(ctx, o.logger).WarnContext(
			ctx,
			"conversation worker busy, aborting query",
			"query", q,
			"buffered", len(worker.queryCh),
		)
		o.abortQuery(ctx, q, QueryStateAborted)
	}
}

// retireWorker removes w from the worker map if nothing is waiting on
// it, returning true if it was removed. Holding workerMu while checking
// the buffer means dispatchQuery can't send to a worker that's about
// to stop.
func (o *Ollamacord) retireWorker(w *conversationWorker) bool {
	o.workerMu.Lock()
	defer o.workerMu.Unlock()
	if len(w.queryCh) > 0 {
		return false
	}
	if existing, ok := o.workers[w.conversationID]; ok && existing == w {
		delete(o.workers, w.conversationID)
	}
	return true
}

// stopWorkers signals every worker to stop, and waits for them (or ctx)
func (o *Ollamacord) stopWorkers(ctx context.Context) {
	o.workerMu.Lock()
	workers := make([]*conversationWorker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.workers = map[string]*conversationWorker{}
	o.workerMu.Unlock()

	wg := &sync.WaitGroup{}
	for _, w := range workers {
		wg.Add(1)
		go func(w *conversationWorker) {
			defer wg.Done()
			o.logger.InfoContext(ctx, "stopping conversation worker", "conversation_id", w.conversationID)
			select {
			case w.signalStop <- struct{}{}:
			default:
			}
			select {
			case <-w.stopped:
				o.logger.InfoContext(ctx, "conversation worker stopped", "conversation_id", w.conversationID)
			case <-ctx.Done():
				o.logger.WarnContext(
					ctx,
					"timed out waiting on conversation worker",
					"conversation_id", w.conversationID,
				)
			}
		}(w)
	}
	wg.Wait()
}

// abortQuery records a final state for a query that won't be answered,
// and marks the user's message as failed
func (o *Ollamacord) abortQuery(ctx context.Context, q *Query, state QueryState) {
	logger := loggerOrDefault(ctx, o.logger)
	finishedAt := time.Now().UTC()
	q.State = state
	q.FinishedAt = &finishedAt
	defer o.queryDropped(ctx, q, state)
	if o.writeDB == nil {
		return
	}
	if _, err := o.writeDB.Updates(
		context.WithoutCancel(ctx),
		q,
		map[string]any{
			columnQueryState:      state,
			columnQueryFinishedAt: &finishedAt,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving query state", slog.Any("query", q), tint.Err(err))
	}
}
