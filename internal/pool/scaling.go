package pool

// scale grows or shrinks the worker set based on queue pressure. Runs on the
// scaling tick and opportunistically after health checks. It restores
// MinSize after evictions, adds at most scaleUpBurst workers per tick when
// the queue outruns the busy set, and retires one idle worker per tick when
// the pool is fully quiet. Busy workers are never terminated here.
func (p *Pool) scale() {
	total := len(p.workers)
	for total < p.cfg.MinSize {
		p.addWorker()
		total++
	}

	busy := 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	queue := len(p.pending)

	switch {
	case queue > busy && total < p.cfg.MaxSize:
		n := queue - busy
		if room := p.cfg.MaxSize - total; n > room {
			n = room
		}
		if n > scaleUpBurst {
			n = scaleUpBurst
		}
		for i := 0; i < n; i++ {
			p.addWorker()
		}
		p.log.Info().Int("added", n).Int("total", total+n).Int("queued", queue).Msg("scaled up")
	case queue == 0 && busy == 0 && total > p.cfg.MinSize:
		for _, w := range p.workers {
			if !w.busy {
				p.removeWorker(w)
				p.log.Info().Str("worker_id", w.id).Int("total", total-1).Msg("scaled down idle worker")
				break
			}
		}
	}
}
