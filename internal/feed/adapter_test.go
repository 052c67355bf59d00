package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeConn is a scriptable upstream subscription. A single goroutine owns
// delivery and closure of the events channel, like the production conn.
type fakeConn struct {
	events chan Event
	in     chan Event
	ended  chan error

	mu  sync.Mutex
	err error

	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		events: make(chan Event),
		in:     make(chan Event),
		ended:  make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *fakeConn) loop() {
	defer close(c.events)
	for {
		select {
		case ev := <-c.in:
			select {
			case c.events <- ev:
			case <-c.closed:
				return
			}
		case err := <-c.ended:
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		case <-c.closed:
			return
		}
	}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// emit delivers an event unless the conn has been closed
func (c *fakeConn) emit(ev Event) {
	select {
	case c.in <- ev:
	case <-c.closed:
	}
}

// end simulates the upstream terminating the stream
func (c *fakeConn) end(err error) {
	select {
	case c.ended <- err:
	case <-c.closed:
	}
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func collect() (func(Event), *[]Event, *sync.Mutex) {
	var mu sync.Mutex
	events := []Event{}
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}, &events, &mu
}

func TestOpenDialFailureIsTerminal(t *testing.T) {

	d := &fakeDialer{err: errors.New("target offline")}

	a, err := Open(context.Background(), d, "alice",
		func(Event) { t.Error("unexpected event") },
		func(error) { t.Error("unexpected terminate") })

	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestEventsForwarded(t *testing.T) {

	conn := newFakeConn()
	d := &fakeDialer{conn: conn}

	onEvent, events, mu := collect()
	terminated := make(chan error, 1)

	a, err := Open(context.Background(), d, "alice", onEvent,
		func(err error) { terminated <- err })
	assert.NoError(t, err)

	conn.emit(Event{Type: EventChat, Chat: &ChatEvent{SenderID: "bob", Text: "hi"}})
	conn.emit(Event{Type: EventViewers, Viewers: &ViewerCountEvent{Count: 7}})
	conn.end(nil)

	select {
	case err := <-terminated:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminate")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *events, 2)
	assert.Equal(t, "bob", (*events)[0].Chat.SenderID)
	assert.Equal(t, 7, (*events)[1].Viewers.Count)

	assert.NoError(t, a.Close())
}

func TestGiftStreakFilter(t *testing.T) {

	conn := newFakeConn()
	d := &fakeDialer{conn: conn}

	onEvent, events, mu := collect()

	_, err := Open(context.Background(), d, "alice", onEvent, func(error) {})
	assert.NoError(t, err)

	// mid-streak: dropped
	conn.emit(Event{Type: EventGift, Gift: &GiftEvent{Name: "rose", RepeatCount: 3, Streakable: true, StreakEnded: false}})
	// streak complete: forwarded once
	conn.emit(Event{Type: EventGift, Gift: &GiftEvent{Name: "rose", RepeatCount: 5, Streakable: true, StreakEnded: true}})
	// non-streaking gift: forwarded regardless of the ended flag
	conn.emit(Event{Type: EventGift, Gift: &GiftEvent{Name: "lion", RepeatCount: 1, Streakable: false, StreakEnded: false}})
	conn.end(nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "rose", (*events)[0].Gift.Name)
	assert.Equal(t, 5, (*events)[0].Gift.RepeatCount)
	assert.Equal(t, "lion", (*events)[1].Gift.Name)
}

func TestTerminateExactlyOnceOnUpstreamError(t *testing.T) {

	conn := newFakeConn()
	d := &fakeDialer{conn: conn}

	var count int
	var mu sync.Mutex
	var got error

	a, err := Open(context.Background(), d, "alice", func(Event) {},
		func(err error) {
			mu.Lock()
			defer mu.Unlock()
			count++
			got = err
		})
	assert.NoError(t, err)

	conn.end(errors.New("protocol failure"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	// closing after termination is safe and does not re-terminate
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.EqualError(t, got, "protocol failure")
}

func TestNoCallbacksAfterClose(t *testing.T) {

	conn := newFakeConn()
	d := &fakeDialer{conn: conn}

	onEvent, events, mu := collect()
	var terminates int
	var tmu sync.Mutex

	a, err := Open(context.Background(), d, "alice", onEvent,
		func(error) {
			tmu.Lock()
			defer tmu.Unlock()
			terminates++
		})
	assert.NoError(t, err)

	conn.emit(Event{Type: EventChat, Chat: &ChatEvent{SenderID: "bob", Text: "hi"}})

	assert.NoError(t, a.Close())

	mu.Lock()
	before := len(*events)
	mu.Unlock()

	// anything the conn produces now must be suppressed
	go conn.emit(Event{Type: EventChat, Chat: &ChatEvent{SenderID: "bob", Text: "late"}})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, before, len(*events))
	mu.Unlock()

	tmu.Lock()
	assert.Equal(t, 0, terminates)
	tmu.Unlock()
}
