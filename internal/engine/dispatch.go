package engine

import "sync"

// dispatcher runs queued callbacks one at a time, in queue order, on its own
// goroutine. enqueue never blocks, so a slow callback holds back only the
// callbacks queued behind it and never the event loop.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-d.stop:
				return
			default:
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.wake:
		case <-d.stop:
			return
		}
	}
}

// close drops whatever is still queued. A callback already running is not
// waited on.
func (d *dispatcher) close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
