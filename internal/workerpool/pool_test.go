package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(context.Background(), 4, zerolog.Nop())
	defer p.Shutdown()

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		ok := p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if !ok {
			t.Fatal("submit rejected")
		}
	}
	p.WaitForCompletion()

	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
	st := p.Stats()
	if st.Submitted != 20 || st.Completed != 20 || st.Failed != 0 {
		t.Errorf("stats = %d/%d/%d", st.Submitted, st.Completed, st.Failed)
	}
}

func TestPoolCountsFailures(t *testing.T) {
	p := New(context.Background(), 2, zerolog.Nop())
	defer p.Shutdown()

	p.Submit(context.Background(), func(context.Context) error { return errors.New("boom") })
	p.Submit(context.Background(), func(context.Context) error { return nil })
	p.WaitForCompletion()

	st := p.Stats()
	if st.Completed != 1 || st.Failed != 1 {
		t.Errorf("completed=%d failed=%d", st.Completed, st.Failed)
	}
}

func TestStatsGauges(t *testing.T) {
	p := New(context.Background(), 1, zerolog.Nop())
	defer p.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if st := p.Stats(); st.Active != 1 {
		t.Errorf("active = %d while a job runs, want 1", st.Active)
	}

	// The single worker is occupied, so a second submission stays
	// pending until the first job releases it.
	go p.Submit(context.Background(), func(context.Context) error { return nil })
	deadline := time.Now().Add(time.Second)
	for p.Stats().Pending != 1 {
		if time.Now().After(deadline) {
			t.Fatal("pending gauge never rose")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	p.WaitForCompletion()
	if st := p.Stats(); st.Active != 0 || st.Pending != 0 {
		t.Errorf("gauges after drain: active=%d pending=%d", st.Active, st.Pending)
	}
}

func TestSubmitBlocksWhenSaturated(t *testing.T) {
	p := New(context.Background(), 1, zerolog.Nop())
	defer p.Shutdown()

	release := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	// The single worker is busy; a second submission must wait for it.
	done := make(chan struct{})
	go func() {
		p.Submit(context.Background(), func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("submit returned while the pool was saturated")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked")
	}
	p.WaitForCompletion()
}

func TestSubmitHonoursContext(t *testing.T) {
	p := New(context.Background(), 1, zerolog.Nop())
	defer p.Shutdown()

	release := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok := p.Submit(ctx, func(context.Context) error { return nil }); ok {
		t.Error("submit accepted after context cancellation")
	}
	close(release)
}

func TestShutdownIdempotent(t *testing.T) {
	p := New(context.Background(), 2, zerolog.Nop())
	p.Submit(context.Background(), func(context.Context) error { return nil })
	p.Shutdown()
	p.Shutdown()

	if ok := p.Submit(context.Background(), func(context.Context) error { return nil }); ok {
		t.Error("submit accepted after shutdown")
	}
}
