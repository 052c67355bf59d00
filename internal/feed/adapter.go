package feed

import (
	"context"
	"sync"
)

// Adapter owns one open upstream subscription and delivers its events to a
// pair of callbacks. After Close returns, no further callbacks are made.
type Adapter struct {
	conn Conn

	mu     sync.Mutex
	closed bool

	// done is closed when the pump goroutine has exited
	done chan struct{}
}

// Open dials target once and, on success, starts delivering events through
// onEvent. Gifts flagged as mid-streak are dropped. onTerminate is called
// exactly once when the upstream ends, errors fatally, or the first of those
// races with a local Close. A dial failure is terminal for this attempt; the
// caller may try again with a fresh Open.
func Open(ctx context.Context, d Dialer, target string, onEvent func(Event), onTerminate func(error)) (*Adapter, error) {

	conn, err := d.Dial(ctx, target)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		conn: conn,
		done: make(chan struct{}),
	}

	go a.pump(onEvent, onTerminate)

	return a, nil
}

func (a *Adapter) pump(onEvent func(Event), onTerminate func(error)) {

	defer close(a.done)

	for ev := range a.conn.Events() {

		if ev.Type == EventGift && ev.Gift != nil && ev.Gift.Streakable && !ev.Gift.StreakEnded {
			// streak still in progress; the final event carries the total
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		onEvent(ev)
		a.mu.Unlock()
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	onTerminate(a.conn.Err())
	a.mu.Unlock()

	a.conn.Close()
}

// Close terminates the subscription. Idempotent, and must not be called from
// within the adapter's own callbacks. Once Close returns, neither onEvent nor
// onTerminate will be called again.
func (a *Adapter) Close() error {

	if a == nil {
		return nil
	}

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	err := a.conn.Close()

	<-a.done

	return err
}
