package store

import (
	"sync"
	"time"
)

// Feed is the Stream implementation shared by the backends. Producers call
// Push, which never blocks: events are queued without bound and a single pump
// goroutine hands them to the consumer in push order, optionally after a fixed
// per-event delay (used to simulate a slow store in tests).
//
// Once Close returns, no further event is delivered and Events is closed.
type Feed struct {
	mu      sync.Mutex
	queue   []Event
	closed  bool
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
	stopped chan struct{}

	delay   time.Duration
	onClose func()
	once    sync.Once
}

// NewFeed starts a feed. onClose, if non-nil, runs exactly once when the feed
// is closed; backends use it to unregister the subscription.
func NewFeed(delay time.Duration, onClose func()) *Feed {
	f := &Feed{
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		delay:   delay,
		onClose: onClose,
	}
	go f.pump()
	return f
}

// Push enqueues an event. It reports false when the feed is already closed.
func (f *Feed) Push(ev Event) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return true
}

// Events implements Stream.
func (f *Feed) Events() <-chan Event {
	return f.out
}

// Done is closed when the feed has been closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close implements Stream. It is idempotent and waits for the pump to exit,
// so no event can be observed after it returns.
func (f *Feed) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()

		close(f.done)
		<-f.stopped

		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// pump is the single writer of out.
func (f *Feed) pump() {
	defer close(f.stopped)
	defer close(f.out)

	for {
		select {
		case <-f.notify:
		case <-f.done:
			return
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 || f.closed {
				f.mu.Unlock()
				break
			}
			ev := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			if f.delay > 0 {
				timer := time.NewTimer(f.delay)
				select {
				case <-timer.C:
				case <-f.done:
					timer.Stop()
					return
				}
			}

			select {
			case f.out <- ev:
			case <-f.done:
				return
			}
		}
	}
}
