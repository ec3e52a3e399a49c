// Package eventq runs callbacks serially, off the caller's goroutine.
package eventq

import "sync"

// Queue runs callbacks one at a time, in the order they were posted, on its
// own goroutine. After Stop nothing but the final callback runs.
type Queue struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func New() *Queue {
	d := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Queue) Post(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.signal()
}

// Stop drops everything still queued and schedules final as the last
// callback.
func (d *Queue) Stop(final func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = []func(){final}
	d.mu.Unlock()
	d.signal()
}

func (d *Queue) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the final callback has run.
func (d *Queue) Done() <-chan struct{} {
	return d.done
}

func (d *Queue) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				stopped := d.stopped
				d.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}
