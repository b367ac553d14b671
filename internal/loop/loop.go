// Package loop implements the single-threaded cooperative scheduler every
// broker component runs on.
//
// All state of the broker, the engine proxies and the component registry is
// mutated only from callbacks executed by one Loop. Transport goroutines
// never touch that state directly; they Post a callback instead. Within one
// iteration the loop runs high-priority callbacks first, then due timers,
// then ordinary callbacks in arrival order.
package loop

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock supplies the current time to the loop.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Loop is a cooperative event loop.
type Loop struct {
	mu     sync.Mutex
	high   []func()
	normal []func()
	timers timerQueue
	seq    uint64
	clock  Clock
	wake   chan struct{}
	logger *slog.Logger
	panics func(any)
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger used to report panicking callbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithPanicHandler is called with the value of every panic a callback
// raises, from the deferred recovery, after it has been logged.
func WithPanicHandler(fn func(any)) Option {
	return func(l *Loop) { l.panics = fn }
}

// New creates an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:  systemClock{},
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop after everything already queued.
// It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.normal = append(l.normal, fn)
	l.mu.Unlock()
	l.notify()
}

// PostHigh queues fn ahead of timers and ordinary callbacks. Called from
// the loop, it defers work to the next iteration without racing a timer
// that is already due. Posts from other goroutines carry no such guarantee
// against timers that fire before they arrive.
func (l *Loop) PostHigh(fn func()) {
	l.mu.Lock()
	l.high = append(l.high, fn)
	l.mu.Unlock()
	l.notify()
}

// AfterFunc arranges for fn to run on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop:  l,
		when:  l.clock.Now().Add(d),
		seq:   l.seq,
		fn:    fn,
		index: -1,
	}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.notify()
	return t
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the callback that should run now, if any.
func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.high) > 0 {
		fn := l.high[0]
		l.high[0] = nil
		l.high = l.high[1:]
		return fn
	}
	if len(l.timers) > 0 && !l.timers[0].when.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.fn
	}
	if len(l.normal) > 0 {
		fn := l.normal[0]
		l.normal[0] = nil
		l.normal = l.normal[1:]
		return fn
	}
	return nil
}

// RunPending runs callbacks until nothing is ready, and returns how many
// ran. Timers that are not yet due stay queued.
func (l *Loop) RunPending() int {
	n := 0
	for {
		fn := l.next()
		if fn == nil {
			return n
		}
		l.run(fn)
		n++
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", "panic", r)
			if l.panics != nil {
				l.panics(r)
			}
		}
	}()
	fn()
}

// Run dispatches callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		var deadline <-chan time.Time
		var timer *time.Timer
		l.mu.Lock()
		ready := len(l.high) > 0 || len(l.normal) > 0
		if !ready && len(l.timers) > 0 {
			d := l.timers[0].when.Sub(l.clock.Now())
			if d <= 0 {
				ready = true
			} else {
				timer = time.NewTimer(d)
				deadline = timer.C
			}
		}
		l.mu.Unlock()
		if ready {
			continue
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-deadline:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
