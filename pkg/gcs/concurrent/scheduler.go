package concurrent

import (
	"context"
	"sync"
)

// Job executed by a scheduler. The context is cancelled once the
// scheduler stops.
type Job func(ctx context.Context)

// Scheduler executes jobs one at a time, in the order they were
// scheduled. A channel owns exactly one scheduler, which is the serial
// execution context for all of its protocol state.
type Scheduler interface {
	// Schedule a job for execution. Returns false if the
	// scheduler was already stopped and the job was discarded.
	Schedule(Job) bool

	// Jobs not yet finished.
	Pending() int

	// Blocks until at least the given number of jobs finished and
	// nothing else is queued.
	Wait(int)

	// Stop the scheduler. Jobs already scheduled are still
	// executed, with a cancelled context.
	Stop()
}

type serial struct {
	mutex *sync.Mutex
	done  *sync.Cond

	queue    []Job
	finished int
	stopped  bool

	wake   chan struct{}
	exited chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler starts the goroutine executing the jobs, it lives until
// Stop is called.
func NewScheduler() Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	mutex := &sync.Mutex{}
	s := &serial{
		mutex:  mutex,
		done:   sync.NewCond(mutex),
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.run()
	return s
}

func (s *serial) Schedule(j Job) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return false
	}

	s.queue = append(s.queue, j)
	if len(s.queue) == 1 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

func (s *serial) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queue)
}

func (s *serial) Wait(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for s.finished < n || len(s.queue) > 0 {
		s.done.Wait()
	}
}

// Calling more than once is a no-op.
func (s *serial) Stop() {
	s.mutex.Lock()
	if !s.stopped {
		s.stopped = true
		s.cancel()
	}
	s.mutex.Unlock()
	<-s.exited
}

func (s *serial) head() Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *serial) complete(n int) {
	s.mutex.Lock()
	s.queue = s.queue[n:]
	s.finished += n
	s.done.Broadcast()
	s.mutex.Unlock()
}

func (s *serial) run() {
	defer close(s.exited)
	for {
		if job := s.head(); job != nil {
			job(s.ctx)
			s.complete(1)
			continue
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			s.drain()
			return
		}
	}
}

// Schedule refuses new jobs once stopped, so the queue only shrinks.
func (s *serial) drain() {
	s.mutex.Lock()
	jobs := append([]Job(nil), s.queue...)
	s.mutex.Unlock()
	for _, job := range jobs {
		job(s.ctx)
	}
	s.complete(len(jobs))
}
