package timekeeper

import (
	"sync"
	"time"
)

// Ticker is the shared clock behind every running timer's displayed value.
// Subscribers receive the wall-clock time once per interval. The ticking
// goroutine only exists while at least one subscription is held; at zero
// subscribers it shuts down so an idle task list costs nothing.
type Ticker struct {
	interval time.Duration

	mu   sync.Mutex
	subs map[int]chan time.Time
	next int
	stop chan struct{}
}

// NewTicker creates a stopped ticker firing at the given interval once
// subscribed to. Intervals below 100ms are raised to one second.
func NewTicker(interval time.Duration) *Ticker {
	if interval < 100*time.Millisecond {
		interval = time.Second
	}
	return &Ticker{interval: interval, subs: map[int]chan time.Time{}}
}

// Subscribe registers a tick receiver and returns the channel plus a
// cancel function. The first subscriber starts the clock. Cancel is safe
// to call more than once.
func (t *Ticker) Subscribe() (<-chan time.Time, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	ch := make(chan time.Time, 1)
	t.subs[id] = ch
	if t.stop == nil {
		t.stop = make(chan struct{})
		go t.run(t.stop)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			if len(t.subs) == 0 && t.stop != nil {
				close(t.stop)
				t.stop = nil
			}
		})
	}
	return ch, cancel
}

func (t *Ticker) run(stop <-chan struct{}) {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-tick.C:
			t.broadcast(now)
		}
	}
}

// broadcast delivers the tick without blocking: a subscriber that has not
// drained its previous tick just misses one.
func (t *Ticker) broadcast(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- now:
		default:
		}
	}
}

// active reports whether the ticking goroutine is running.
func (t *Ticker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
