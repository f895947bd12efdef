// Package loop implements the single cooperative execution context every
// protocol layer runs on.
//
// Completions from blocking work (DNS, dial, socket reads, writes) are posted
// from helper goroutines and executed when the owner pumps the loop with Poll
// or Run. Timers fire on the same context. Apart from Post, the loop and
// everything it drives must only be touched from the pumping goroutine.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/emirpasic/gods/v2/queues/priorityqueue"
)

type Option func(*Loop)

// WithClock replaces the clock used for timer deadlines.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

type Loop struct {
	mu     sync.Mutex
	events *queue.Queue
	wake   chan struct{}

	// loop goroutine only
	timers *priorityqueue.Queue[*Timer]
	armed  int
	seq    uint64
	now    func() time.Time
}

func New(opts ...Option) *Loop {
	l := &Loop{
		events: queue.New(),
		wake:   make(chan struct{}, 1),
		timers: priorityqueue.NewWith(func(a, b *Timer) int {
			switch {
			case a.when.Before(b.when):
				return -1
			case a.when.After(b.when):
				return 1
			case a.seq < b.seq:
				return -1
			case a.seq > b.seq:
				return 1
			default:
				return 0
			}
		}),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Post queues f to run on the loop. Safe to call from any goroutine.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.events.Add(f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Poll runs every due timer and every event queued at the time of the call,
// then returns the number of callbacks run. It never blocks.
func (l *Loop) Poll() int {
	ran := l.runTimers()

	l.mu.Lock()
	n := l.events.Length()
	l.mu.Unlock()

	// events posted by the handlers below wait for the next Poll
	for i := 0; i < n; i++ {
		l.mu.Lock()
		f := l.events.Remove().(func())
		l.mu.Unlock()

		f()
		ran++
	}

	return ran
}

// Run pumps the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for {
		l.Poll()

		l.mu.Lock()
		queued := l.events.Length()
		l.mu.Unlock()
		if queued > 0 {
			continue
		}

		d := time.Hour
		if next, ok := l.nextDeadline(); ok {
			d = next.Sub(l.now())
			if d < 0 {
				d = 0
			}
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-wait.C:
		}
	}
}

// Pending returns the number of queued events plus armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.events.Length() + l.armed
}

// Now returns the loop clock.
func (l *Loop) Now() time.Time {
	return l.now()
}

// AfterFunc arms a single-shot timer that runs f on the loop once d has
// elapsed on the loop clock. Must be called on the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	l.seq++
	t := &Timer{
		l:    l,
		when: l.now().Add(d),
		seq:  l.seq,
		f:    f,
	}
	l.timers.Enqueue(t)

	l.mu.Lock()
	l.armed++
	l.mu.Unlock()

	return t
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	for {
		t, ok := l.timers.Peek()
		if !ok {
			return time.Time{}, false
		}
		if t.stopped {
			l.timers.Dequeue()
			continue
		}
		return t.when, true
	}
}

func (l *Loop) runTimers() int {
	ran := 0
	for {
		t, ok := l.timers.Peek()
		if !ok {
			return ran
		}
		if t.stopped {
			l.timers.Dequeue()
			continue
		}
		if t.when.After(l.now()) {
			return ran
		}
		l.timers.Dequeue()

		t.fired = true
		l.mu.Lock()
		l.armed--
		l.mu.Unlock()

		t.f()
		ran++
	}
}

// Timer is a cancellable single-shot loop timer.
type Timer struct {
	l       *Loop
	when    time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

// Stop cancels the timer. It returns false if the timer already fired or was
// already stopped. Must be called on the loop goroutine.
func (t *Timer) Stop() bool {
	if t == nil || t.fired || t.stopped {
		return false
	}
	t.stopped = true

	t.l.mu.Lock()
	t.l.armed--
	t.l.mu.Unlock()

	return true
}
