package pool

import (
	"time"

	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

// checkHealth pings every worker and evicts those silent for longer than
// WorkerTimeout. Eviction terminates the worker without restarting it;
// capacity comes back through the scaling pass that follows. A task held by
// an evicted worker is deliberately not requeued here — its timeout timer is
// the requeue path, and both mechanisms tolerate the other firing first.
func (p *Pool) checkHealth() {
	now := time.Now()
	for _, w := range p.workers {
		if now.Sub(w.lastActivity) > p.cfg.WorkerTimeout {
			p.log.Warn().
				Str("worker_id", w.id).
				Dur("silent_for", now.Sub(w.lastActivity)).
				Bool("was_busy", w.busy).
				Msg("evicting unresponsive worker")
			p.removeWorker(w)
			continue
		}
		w.send(unit.Request{Kind: unit.KindPing})
	}
}
