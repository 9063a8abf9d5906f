package helper

import "sync"

// Invoker tracks the goroutines of its owner. Every long running
// goroutine of a channel or transport is spawned through one, closing
// the owner waits for all of them.
type Invoker interface {
	// Run the function on a new goroutine. Returns false, without
	// running it, once stopped.
	Spawn(func()) bool

	// Refuse new goroutines and wait the running ones.
	Stop()
}

type groupInvoker struct {
	mutex   *sync.Mutex
	stopped bool
	running *sync.WaitGroup
}

// NewInvoker creates a new Invoker, each owner holds its own.
func NewInvoker() Invoker {
	return &groupInvoker{
		mutex:   &sync.Mutex{},
		running: &sync.WaitGroup{},
	}
}

func (g *groupInvoker) Spawn(f func()) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.stopped {
		return false
	}

	g.running.Add(1)
	go func() {
		defer g.running.Done()
		f()
	}()
	return true
}

func (g *groupInvoker) Stop() {
	g.mutex.Lock()
	g.stopped = true
	g.mutex.Unlock()
	g.running.Wait()
}
