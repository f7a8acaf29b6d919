package handler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/orchestrator"
	"coliving-admin-auth/internal/util"
)

// RunRegistry holds in-flight login runs by id. Runs idle for longer than the
// ttl are closed, which signs out any half-authenticated identity.
type RunRegistry struct {
	backend orchestrator.Backend
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.Mutex
	runs map[string]*registeredRun
}

type registeredRun struct {
	run     *orchestrator.LoginRun
	touched time.Time
}

func NewRunRegistry(backend orchestrator.Backend, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *RunRegistry {
	return &RunRegistry{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		metrics: m,
		logger:  logger,
		runs:    make(map[string]*registeredRun),
	}
}

// Create starts a run in Credentials and registers it.
func (r *RunRegistry) Create() *orchestrator.LoginRun {
	run := orchestrator.NewLoginRun(uuid.NewString(), r.backend, r.logger)

	r.mu.Lock()
	r.runs[run.ID()] = &registeredRun{run: run, touched: r.now()}
	n := len(r.runs)
	r.mu.Unlock()

	r.metrics.SetLoginRunsActive(n)
	return run
}

// Get returns a live run and refreshes its idle timer.
func (r *RunRegistry) Get(ctx context.Context, id string) (*orchestrator.LoginRun, bool) {
	r.mu.Lock()
	entry, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	now := r.now()
	if now.Sub(entry.touched) > r.ttl || entry.run.Closed() {
		delete(r.runs, id)
		n := len(r.runs)
		r.mu.Unlock()
		entry.run.Close(ctx)
		r.metrics.SetLoginRunsActive(n)
		return nil, false
	}
	entry.touched = now
	r.mu.Unlock()
	return entry.run, true
}

// Remove closes and forgets a run. Unknown ids are ignored.
func (r *RunRegistry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	entry, ok := r.runs[id]
	delete(r.runs, id)
	n := len(r.runs)
	r.mu.Unlock()

	if ok {
		entry.run.Close(ctx)
		r.metrics.SetLoginRunsActive(n)
	}
}

// Sweep closes every run idle past the ttl and returns how many went.
func (r *RunRegistry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var expired []*orchestrator.LoginRun
	for id, entry := range r.runs {
		if now.Sub(entry.touched) > r.ttl || entry.run.Closed() {
			expired = append(expired, entry.run)
			delete(r.runs, id)
		}
	}
	n := len(r.runs)
	r.mu.Unlock()

	for _, run := range expired {
		run.Close(ctx)
	}
	r.metrics.SetLoginRunsActive(n)
	return len(expired)
}

func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Run sweeps on every tick until ctx is done, then closes whatever is left.
func (r *RunRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Debug("Expired login runs swept", util.Int("count", n))
			}
		}
	}
}

func (r *RunRegistry) closeAll(ctx context.Context) {
	r.mu.Lock()
	runs := r.runs
	r.runs = make(map[string]*registeredRun)
	r.mu.Unlock()

	for _, entry := range runs {
		entry.run.Close(ctx)
	}
	r.metrics.SetLoginRunsActive(0)
}
