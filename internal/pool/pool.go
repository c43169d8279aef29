package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/failover"
	"github.com/ternarybob/browsergate/internal/models"
	"github.com/ternarybob/browsergate/internal/worker"
)

// Pool schedules tasks over the fixed worker set. Workers are built at
// startup; the pool never grows or shrinks.
type Pool struct {
	cfg     *common.Config
	logger  arbor.ILogger
	workers []*worker.Worker

	rr atomic.Uint64 // round_robin cursor
}

// New wires the pool over an already-constructed worker set.
func New(cfg *common.Config, workers []*worker.Worker, logger arbor.ILogger) *Pool {
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		workers: workers,
	}
}

// Workers exposes the worker set for status reporting and the monitor.
func (p *Pool) Workers() []*worker.Worker {
	return p.workers
}

// WorkerCount is the pool size, used by the admission capacity check.
func (p *Pool) WorkerCount() int {
	return len(p.workers)
}

// Candidates returns the initialized workers that serve the model, image
// aware: when images are attached and at least one candidate accepts
// them, forbidden-only workers drop out of the set.
func (p *Pool) Candidates(modelKey string, hasImages bool) []*worker.Worker {
	var supporting []*worker.Worker
	for _, w := range p.workers {
		if w.Initialized() && w.Supports(modelKey) {
			supporting = append(supporting, w)
		}
	}
	if !hasImages {
		return supporting
	}

	var accepting []*worker.Worker
	for _, w := range supporting {
		if w.ImagePolicy(modelKey) != models.ImagePolicyForbidden {
			accepting = append(accepting, w)
		}
	}
	if len(accepting) > 0 {
		return accepting
	}
	return supporting
}

// Idle filters candidates down to those with no task in flight.
func Idle(candidates []*worker.Worker) []*worker.Worker {
	var idle []*worker.Worker
	for _, w := range candidates {
		if w.BusyCount() == 0 {
			idle = append(idle, w)
		}
	}
	return idle
}

// Select picks one worker from a non-empty candidate slice per the
// configured strategy.
func (p *Pool) Select(candidates []*worker.Worker) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}
	switch p.cfg.Backend.Pool.Strategy {
	case "round_robin":
		return candidates[int(p.rr.Add(1)-1)%len(candidates)]
	case "random":
		return candidates[rand.Intn(len(candidates))]
	default: // least_busy
		best := candidates[0]
		for _, w := range candidates[1:] {
			if w.BusyCount() < best.BusyCount() {
				best = w
			}
		}
		return best
	}
}

// failoverWalk returns first followed by the idle remainder of the
// candidate set. Busy workers are skipped, not queued behind: a failover
// attempt landing on an occupied page would only stall on its page-auth
// flag until the other task finishes.
func failoverWalk(candidates []*worker.Worker, first *worker.Worker) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(candidates))
	out = append(out, first)
	for _, w := range candidates {
		if w != first && w.BusyCount() == 0 {
			out = append(out, w)
		}
	}
	return out
}

// Generate runs one task on the pool: an idle strategy-selected worker
// first, then cross-worker failover over the remaining idle candidates
// when failover is configured.
func (p *Pool) Generate(ctx context.Context, task *models.Task, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	return p.GenerateOn(ctx, nil, task, prompt, imagePaths, modelKey, meta)
}

// GenerateOn is Generate with an explicit first choice. The dispatch loop
// reserves a worker under its own lock and passes it here, so preferred
// non-nil means "already reserved for this task"; GenerateOn owns that
// reservation from then on and releases it on every path. A nil preferred
// reserves an idle candidate itself.
func (p *Pool) GenerateOn(ctx context.Context, preferred *worker.Worker, task *models.Task, prompt string, imagePaths []string, modelKey string, meta map[string]interface{}) (*models.GenerationResult, error) {
	reserved := preferred
	defer func() {
		if reserved != nil {
			reserved.Release()
		}
	}()

	candidates := p.Candidates(modelKey, len(imagePaths) > 0)
	if len(candidates) == 0 {
		return nil, models.NewGatewayError(models.ErrCodeInvalidModel, fmt.Sprintf("no worker serves model %q", modelKey))
	}

	first := preferred
	if first == nil {
		idle := Idle(candidates)
		if len(idle) == 0 {
			return nil, models.NewGatewayError(models.ErrCodeServerBusy, fmt.Sprintf("all workers for model %q are busy", modelKey))
		}
		first = p.Select(idle)
		if !first.TryReserve() {
			return nil, models.NewGatewayError(models.ErrCodeServerBusy, fmt.Sprintf("all workers for model %q are busy", modelKey))
		}
		reserved = first
	} else if !contains(candidates, first) {
		candidates = append([]*worker.Worker{first}, candidates...)
	}

	byName := make(map[string]*worker.Worker, len(candidates))
	for _, w := range candidates {
		byName[w.Name] = w
	}

	attempt := func(ctx context.Context, c failover.Candidate) (*models.GenerationResult, error) {
		w := byName[c.Name]
		if w == reserved {
			reserved = nil
		} else if !w.TryReserve() {
			return nil, models.NewGatewayError(models.ErrCodeServerBusy, fmt.Sprintf("worker %q is busy", w.Name))
		}
		defer w.Release()

		task.Worker = w.Name
		task.DispatchedAt = time.Now()
		p.logger.Info().
			Str("task", task.ID).
			Str("worker", w.Name).
			Str("model", c.ModelKey).
			Msg("Dispatching task to worker")

		return w.Generate(ctx, task, prompt, imagePaths, c.ModelKey, meta)
	}

	failoverCfg := p.cfg.Backend.Pool.Failover
	if failoverCfg.IsEnabled() && len(candidates) > 1 {
		walk := failoverWalk(candidates, first)
		if len(walk) > 1 {
			fc := make([]failover.Candidate, 0, len(walk))
			for _, w := range walk {
				fc = append(fc, failover.Candidate{Name: w.Name, ModelKey: modelKey})
			}
			return failover.Execute(ctx, fc, attempt, failoverCfg.Retries(), func(c failover.Candidate, err error, attemptIdx int) {
				p.logger.Warn().
					Str("task", task.ID).
					Str("worker", c.Name).
					Int("attempt", attemptIdx+1).
					Err(err).
					Msg("Worker attempt failed, failing over")
			})
		}
	}

	return attempt(ctx, failover.Candidate{Name: first.Name, ModelKey: modelKey})
}

func contains(ws []*worker.Worker, target *worker.Worker) bool {
	for _, w := range ws {
		if w == target {
			return true
		}
	}
	return false
}
