package pool

import (
	"time"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
)

// durationRing keeps the most recent completed-task durations for the
// rolling average.
type durationRing struct {
	samples [100]time.Duration
	next    int
	count   int
}

func (r *durationRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *durationRing) average() time.Duration {
	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.samples[i]
	}
	return sum / time.Duration(r.count)
}

// snapshot recomputes metrics from current state. Loop-only; mutates
// nothing.
func (p *Pool) snapshot() domain.Metrics {
	m := domain.Metrics{
		TotalWorkers:    len(p.workers),
		QueuedTasks:     len(p.pending),
		InFlightTasks:   len(p.inflight),
		CompletedTasks:  p.completed,
		FailedTasks:     p.failed,
		CancelledTasks:  p.cancelled,
		AverageTaskTime: p.durations.average(),
	}
	for _, w := range p.workers {
		if w.alive {
			m.ActiveWorkers++
		}
		if w.busy {
			m.BusyWorkers++
		}
	}
	if m.TotalWorkers > 0 {
		m.Utilization = float64(m.BusyWorkers) / float64(m.TotalWorkers)
	}
	return m
}
