package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// countingCloser counts Close calls
type countingCloser struct {
	closes int32
}

func (c *countingCloser) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return nil
}

func (c *countingCloser) count() int32 {
	return atomic.LoadInt32(&c.closes)
}

func session(id, identity, target string, t time.Time) (*Session, *countingCloser) {
	h := &countingCloser{}
	return &Session{
		ConnectionID: id,
		Identity:     identity,
		Target:       target,
		Handle:       h,
		StartedAt:    t,
		Stats:        NewStats(t),
	}, h
}

func TestPutReplacesAndReturnsDisplaced(t *testing.T) {

	s := New()
	t0 := time.Now()

	first, h1 := session("conn1", "10.0.0.1", "alice", t0)
	second, h2 := session("conn1", "10.0.0.1", "bob", t0.Add(time.Second))

	assert.Nil(t, s.Put("conn1", first))

	displaced := s.Put("conn1", second)
	assert.Equal(t, first, displaced)

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, int32(0), h1.count())
	assert.Equal(t, int32(0), h2.count())

	got, ok := s.Remove("conn1")
	assert.True(t, ok)
	assert.Equal(t, "bob", got.Target)
}

func TestRemoveDoesNotClose(t *testing.T) {

	s := New()

	sess, h := session("conn1", "10.0.0.1", "alice", time.Now())
	s.Put("conn1", sess)

	got, ok := s.Remove("conn1")
	assert.True(t, ok)
	assert.Equal(t, sess, got)
	assert.Equal(t, int32(0), h.count())

	// second removal finds nothing
	_, ok = s.Remove("conn1")
	assert.False(t, ok)
}

func TestRemoveWhere(t *testing.T) {

	s := New()
	t0 := time.Now()

	a, _ := session("conn1", "10.0.0.1", "alice", t0)
	b, _ := session("conn2", "10.0.0.1", "bob", t0)
	c, _ := session("conn3", "10.0.0.2", "carol", t0)

	s.Put("conn1", a)
	s.Put("conn2", b)
	s.Put("conn3", c)

	removed := s.RemoveWhere(func(sess *Session) bool {
		return sess.Identity == "10.0.0.1"
	})

	assert.Len(t, removed, 2)
	assert.Equal(t, 1, s.Count())

	_, ok := s.Remove("conn3")
	assert.True(t, ok)
}

func TestSnapshotOrder(t *testing.T) {

	s := New()
	t0 := time.Unix(1673952000, 0)

	c, _ := session("conn3", "10.0.0.3", "carol", t0.Add(2*time.Second))
	a, _ := session("conn1", "10.0.0.1", "alice", t0)
	b, _ := session("conn2", "10.0.0.2", "bob", t0.Add(time.Second))

	s.Put("conn3", c)
	s.Put("conn1", a)
	s.Put("conn2", b)

	snap := s.Snapshot()

	ids := []string{}
	for _, sess := range snap {
		ids = append(ids, sess.ConnectionID)
	}
	assert.Equal(t, []string{"conn1", "conn2", "conn3"}, ids)

	// a snapshot is a copy; mutating the store does not change it
	s.Remove("conn1")
	assert.Len(t, snap, 3)
}

func TestViewerCount(t *testing.T) {

	s := New()

	sess, _ := session("conn1", "10.0.0.1", "alice", time.Now())
	s.Put("conn1", sess)

	sess.SetViewerCount(42)

	snap := s.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, 42, snap[0].ViewerCount())
}

func TestAtMostOneSessionPerConnectionUnderContention(t *testing.T) {

	s := New()

	const writers = 8
	const rounds = 50

	closers := make([]*countingCloser, 0, writers*rounds)
	var mu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				sess, h := session("conn1", "10.0.0.1", fmt.Sprintf("t%d-%d", w, r), time.Now())
				mu.Lock()
				closers = append(closers, h)
				mu.Unlock()
				if displaced := s.Put("conn1", sess); displaced != nil {
					displaced.Handle.Close()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, s.Count())

	// every handle bar the survivor was closed exactly once
	survivor, ok := s.Remove("conn1")
	assert.True(t, ok)

	open := 0
	for _, h := range closers {
		switch h.count() {
		case 0:
			open++
		case 1:
			// closed exactly once on displacement
		default:
			t.Errorf("handle closed %d times", h.count())
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, int32(0), survivor.Handle.(*countingCloser).count())
}

func TestStatsReport(t *testing.T) {

	st := NewStats(time.Now())

	st.Add(100)
	st.Add(300)

	r := st.Report()
	assert.Equal(t, uint64(2), r.Events)
	assert.Equal(t, float64(400), r.Bytes)
	assert.True(t, r.Fps > 0)
}
