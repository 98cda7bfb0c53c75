package pipeline

// stage is a FIFO drained by at most one goroutine per epoch. All fields are
// guarded by the owning Pipeline's mu.
type stage[T any] struct {
	queue   []T
	active  bool
	process func(epoch uint64, item T)
}

// push appends item and starts a drain if none is running. Caller holds p.mu.
func (s *stage[T]) push(p *Pipeline, item T) {
	s.queue = append(s.queue, item)
	if s.active {
		return
	}
	s.active = true
	p.wg.Add(1)
	go s.drain(p, p.epoch)
}

func (s *stage[T]) drain(p *Pipeline, epoch uint64) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.epoch != epoch {
			// Reset already cleared active; a newer drain owns the queue.
			p.mu.Unlock()
			return
		}
		if len(s.queue) == 0 || p.closed {
			s.active = false
			p.mu.Unlock()
			return
		}
		item := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		p.mu.Unlock()

		s.process(epoch, item)
	}
}

// clear drops queued items and the active flag. Caller holds p.mu.
func (s *stage[T]) clear() {
	s.queue = nil
	s.active = false
}
