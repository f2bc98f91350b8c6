// Package facade is the public entry point for task submission. It builds
// Task values from caller specs and delegates everything else to the pool
// coordinator it was constructed with.
package facade

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/pool"
)

type Service struct {
	pool *pool.Pool
	log  zerolog.Logger
}

func New(p *pool.Pool, log zerolog.Logger) *Service {
	return &Service{pool: p, log: log}
}

// Submit enqueues the described task and returns a handle the caller can
// wait on. Resolution is signaled exactly once.
func (s *Service) Submit(ctx context.Context, spec domain.TaskSpec) (*pool.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := s.pool.Submit(spec)
	if err != nil {
		s.log.Warn().Err(err).Str("type", spec.Type).Msg("submit rejected")
		return nil, err
	}
	return h, nil
}

// Run is submit-and-wait: it blocks until the task resolves or ctx expires.
// On ctx expiry the task is cancelled rather than left running.
func (s *Service) Run(ctx context.Context, spec domain.TaskSpec) (json.RawMessage, error) {
	h, err := s.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, err := h.Wait(ctx)
	if ctx.Err() != nil {
		s.pool.Cancel(h.ID())
		return nil, ctx.Err()
	}
	return out, err
}

// Cancel reports whether the task was found queued or in flight and
// cancelled.
func (s *Service) Cancel(id string) bool { return s.pool.Cancel(id) }

func (s *Service) Metrics() domain.Metrics { return s.pool.Metrics() }

func (s *Service) Workers() []domain.WorkerInfo { return s.pool.Workers() }

// Close stops all workers and fails outstanding submissions with
// pool.ErrPoolClosed. Idempotent.
func (s *Service) Close() { s.pool.Close() }
