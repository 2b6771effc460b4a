package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/mihir-joshi/trueframe/server/models"
)

// InferencePool bounds how many model invocations run at once across all
// sessions. The model backends share one accelerator, so admitting every
// session's fan-out unchecked would thrash it.
type InferencePool struct {
	jobs      chan *predictJob
	workers   int
	wg        sync.WaitGroup
	shutdown  chan struct{}
	isRunning bool
	mutex     sync.RWMutex
}

type predictJob struct {
	run        func() (models.ModelVote, error)
	resultChan chan predictResult
	enqueuedAt time.Time
}

type predictResult struct {
	vote models.ModelVote
	err  error
}

func NewInferencePool(queueSize, workers int) *InferencePool {
	pool := &InferencePool{
		jobs:      make(chan *predictJob, queueSize),
		workers:   workers,
		shutdown:  make(chan struct{}),
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

func (p *InferencePool) worker() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			if job != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							select {
							case job.resultChan <- predictResult{
								err: fmt.Errorf("inference panic: %v", r),
							}:
							default:
							}
						}
					}()

					vote, err := job.run()
					job.resultChan <- predictResult{vote: vote, err: err}
				}()
			}
		case <-p.shutdown:
			return
		}
	}
}

// Submit queues one prediction. Returns false when the pool is saturated
// or shutting down; the caller treats that as a failed vote.
func (p *InferencePool) Submit(job *predictJob) bool {
	p.mutex.RLock()
	if !p.isRunning {
		p.mutex.RUnlock()
		return false
	}
	p.mutex.RUnlock()

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func (p *InferencePool) Size() int {
	return len(p.jobs)
}

func (p *InferencePool) Capacity() int {
	return cap(p.jobs)
}

func (p *InferencePool) Workers() int {
	return p.workers
}

func (p *InferencePool) Shutdown(timeout time.Duration) error {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return nil
	}
	p.isRunning = false
	p.mutex.Unlock()

	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
