package worker

import (
	"errors"
	"sync"
)

// Pool owns a set of workers and the goroutines they run in. The
// embedded WaitGroup is controlled by the pool itself.
type Pool struct {
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

func NewPool() *Pool {
	return &Pool{workers: make([]Worker, 0)}
}

// Start launches a goroutine for every worker in the pool. Start does
// not block; consumers can wait on the pool's WaitGroup if they wish.
func (pool *Pool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.Wg, worker)
	}

	return nil
}

// PushWorker adds workers to the pool. Workers can only be added
// before the pool is started.
func (pool *Pool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers signals every sleeping worker in the pool. The send is
// non-blocking; a worker that is already awake is left alone.
func (pool *Pool) WakeupWorkers() error {
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() == Sleeping {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Close closes every worker's wakeup channel and waits for the pool's
// goroutines to drain.
func (pool *Pool) Close() {
	if !pool.started {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.Wg.Wait()
	pool.started = false
}
