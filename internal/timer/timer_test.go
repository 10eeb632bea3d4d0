package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleAtFuture(t *testing.T) {
	s := NewService(0)
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleAt("202501010000", time.Now().Add(20*time.Millisecond), func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestScheduleAtPastFiresSynchronously(t *testing.T) {
	s := NewService(0)
	defer s.Stop()

	var fired int32
	s.ScheduleAt("202501010000", time.Now().Add(-time.Second), func() {
		atomic.AddInt32(&fired, 1)
	})

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("past instant must invoke the callback before ScheduleAt returns")
	}
	if s.Pending() != 0 {
		t.Fatalf("no timer should remain pending, got %d", s.Pending())
	}
}

func TestCancel(t *testing.T) {
	s := NewService(0)
	defer s.Stop()

	var fired int32
	id := s.ScheduleAt("202501010000", time.Now().Add(50*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})

	if !s.Cancel(id) {
		t.Fatal("cancel of a pending timer should report true")
	}
	if s.Cancel(id) {
		t.Fatal("second cancel should report false")
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("canceled timer must not fire")
	}
}

func TestCancelGroup(t *testing.T) {
	s := NewService(0)
	defer s.Stop()

	var fired int32
	cb := func() { atomic.AddInt32(&fired, 1) }

	s.ScheduleAt("202501010000", time.Now().Add(50*time.Millisecond), cb)
	s.ScheduleAt("202501010000", time.Now().Add(60*time.Millisecond), cb)
	s.ScheduleAt("202501010001", time.Now().Add(50*time.Millisecond), cb)

	if n := s.CancelGroup("202501010000"); n != 2 {
		t.Fatalf("expected 2 canceled, got %d", n)
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("only the other session's timer should fire, fired=%d", got)
	}
}
