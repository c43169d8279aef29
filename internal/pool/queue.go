package pool

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/worker"
)

// Outcome is the terminal state of one queued task.
type Outcome struct {
	Result *models.GenerationResult
	Err    error
}

type pending struct {
	task       *models.Task
	prompt     string
	imagePaths []string
	modelKey   string
	meta       map[string]interface{}
	done       chan Outcome
}

// Queue is the single global FIFO in front of the pool. A dispatch loop
// pairs queued tasks with idle workers; the head may be passed over by a
// later task whose candidate set has an idle worker, so one saturated
// model cannot stall the rest.
type Queue struct {
	cfg    *common.Config
	pool   *Pool
	logger arbor.ILogger

	mu       sync.Mutex
	items    []*pending
	inflight int

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewQueue builds the queue over a pool. Run must be called before
// Submit dispatches anything.
func NewQueue(cfg *common.Config, p *Pool, logger arbor.ILogger) *Queue {
	return &Queue{
		cfg:    cfg,
		pool:   p,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Depth returns queued (not yet dispatched) and in-flight counts.
func (q *Queue) Depth() (queued, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.inflight
}

// Submit admits a task and returns the channel its outcome arrives on.
// Non-streaming tasks are rejected with SERVER_BUSY when load reaches
// workers+queueBuffer; streaming tasks are always admitted because the
// open response can carry keepalives while the task waits.
func (q *Queue) Submit(task *models.Task, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (<-chan Outcome, error) {
	q.mu.Lock()
	if !task.Stream {
		capacity := q.pool.WorkerCount() + q.cfg.Queue.BufferSize()
		if len(q.items)+q.inflight >= capacity {
			q.mu.Unlock()
			return nil, models.NewGatewayError(models.ErrCodeServerBusy, "server is busy, try again later")
		}
	}

	p := &pending{
		task:       task,
		prompt:     prompt,
		imagePaths: imagePaths,
		modelKey:   modelKey,
		meta:       meta,
		done:       make(chan Outcome, 1),
	}
	q.items = append(q.items, p)
	queued := len(q.items)
	q.mu.Unlock()

	q.logger.Debug().
		Str("task", task.ID).
		Str("model", modelKey).
		Int("queued", queued).
		Msg("Task queued")

	q.signal()
	return p.done, nil
}

// Run starts the dispatch loop. It returns when Stop is called or the
// context ends; in-flight tasks finish on their own goroutines.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	common.SafeGo(q.logger, "queue:dispatch", func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			case <-q.stop:
				q.drain(context.Canceled)
				return
			case <-q.wake:
				q.dispatch(ctx)
			}
		}
	})
}

// Stop ends the dispatch loop and fails everything still queued.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch walks the queue in FIFO order and starts every task that has
// an idle candidate worker right now. Cancelled tasks are dropped here
// rather than handed to a worker. The picked worker is reserved while
// q.mu is still held, so a later task in the same pass can never observe
// it idle and double-book the page.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.items[:0]
	for _, p := range q.items {
		if p.task.Cancelled() {
			p.done <- Outcome{Err: context.Canceled}
			q.logger.Debug().Str("task", p.task.ID).Msg("Dropping cancelled task from queue")
			continue
		}

		idle := Idle(q.pool.Candidates(p.modelKey, len(p.imagePaths) > 0))
		if len(idle) == 0 {
			remaining = append(remaining, p)
			continue
		}

		picked := q.pool.Select(idle)
		if !picked.TryReserve() {
			remaining = append(remaining, p)
			continue
		}
		q.inflight++
		q.start(ctx, p, picked)
	}
	q.items = remaining
}

// start hands a reserved worker and its task to a goroutine. GenerateOn
// owns the reservation and releases it.
func (q *Queue) start(ctx context.Context, p *pending, picked *worker.Worker) {
	common.SafeGo(q.logger, "queue:task:"+p.task.ID, func() {
		result, err := q.pool.GenerateOn(ctx, picked, p.task, p.prompt, p.imagePaths, p.modelKey, p.meta)
		p.done <- Outcome{Result: result, Err: err}

		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
		q.signal()
	})
}

// drain fails every queued task with the loop's terminal error.
func (q *Queue) drain(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.items {
		p.done <- Outcome{Err: err}
	}
	q.items = nil
}
