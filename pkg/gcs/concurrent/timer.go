package concurrent

import (
	"container/heap"
	"sync"
	"time"
)

// Timers is a single timing facility backed by a monotonic
// deadline heap. Expired callbacks run on the facility goroutine and
// must only hand off work, usually scheduling a job.
type Timers interface {
	// After runs the function once, after the given duration.
	After(d time.Duration, f func())

	// Every runs the function periodically until the facility stops.
	Every(period time.Duration, f func())

	// Len returns how many timers are armed.
	Len() int

	// Stop the facility, armed timers are discarded.
	Stop()
}

type deadline struct {
	at     time.Time
	period time.Duration
	fire   func()
	seq    uint64
}

// Min-heap of deadlines, ties are broken by arming order.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int {
	return len(h)
}

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *deadlineHeap) Push(x interface{}) {
	*h = append(*h, x.(*deadline))
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type heapTimers struct {
	mutex   sync.Mutex
	armed   deadlineHeap
	seq     uint64
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	closed  chan struct{}
}

// NewTimers creates and starts a timer facility.
func NewTimers() Timers {
	t := &heapTimers{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go t.loop()
	return t
}

// Implements the Timers interface.
func (t *heapTimers) After(d time.Duration, f func()) {
	t.arm(d, 0, f)
}

// Implements the Timers interface.
func (t *heapTimers) Every(period time.Duration, f func()) {
	t.arm(period, period, f)
}

// Implements the Timers interface.
func (t *heapTimers) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.armed)
}

// Implements the Timers interface.
func (t *heapTimers) Stop() {
	t.mutex.Lock()
	if !t.stopped {
		t.stopped = true
		t.armed = nil
		close(t.done)
	}
	t.mutex.Unlock()
	<-t.closed
}

func (t *heapTimers) arm(after, period time.Duration, f func()) {
	if after < 0 {
		after = 0
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped {
		return
	}

	t.seq++
	heap.Push(&t.armed, &deadline{
		at:     time.Now().Add(after),
		period: period,
		fire:   f,
		seq:    t.seq,
	})

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Pops every expired deadline, rearming the periodic ones.
func (t *heapTimers) expired(now time.Time) ([]func(), time.Duration, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var fire []func()
	for len(t.armed) > 0 && !t.armed[0].at.After(now) {
		next := heap.Pop(&t.armed).(*deadline)
		fire = append(fire, next.fire)
		if next.period > 0 {
			t.seq++
			next.at = next.at.Add(next.period)
			if next.at.Before(now) {
				next.at = now.Add(next.period)
			}
			next.seq = t.seq
			heap.Push(&t.armed, next)
		}
	}

	if len(t.armed) == 0 {
		return fire, 0, false
	}
	return fire, t.armed[0].at.Sub(now), true
}

func (t *heapTimers) loop() {
	defer close(t.closed)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		fire, wait, pending := t.expired(time.Now())
		for _, f := range fire {
			f()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		var expiry <-chan time.Time
		if pending {
			timer.Reset(wait)
			expiry = timer.C
		}

		select {
		case <-t.done:
			return
		case <-t.wake:
		case <-expiry:
		}
	}
}
