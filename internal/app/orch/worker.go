package orch

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// worker runs the tasks of one remote peer in order. Tasks of different
// peers never wait on each other.
type worker struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

func startWorker(wg *conc.WaitGroup, size int) *worker {
	if size <= 0 {
		size = 1
	}
	w := &worker{
		tasks: make(chan func(), size),
		quit:  make(chan struct{}),
	}
	wg.Go(w.run)
	return w
}

// submit queues fn. It reports false once the worker is stopped.
func (w *worker) submit(fn func()) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.tasks <- fn:
		return true
	case <-w.quit:
		return false
	}
}

// stop discards queued tasks. A running task completes.
func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

func (w *worker) run() {
	for {
		select {
		case <-w.quit:
			return
		case fn := <-w.tasks:
			select {
			case <-w.quit:
				return
			default:
			}
			fn()
		}
	}
}
