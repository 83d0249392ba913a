package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/jonboulle/clockwork"
)

type fakeResetter struct {
	mu    sync.Mutex
	cores []smite.Core
}

func (f *fakeResetter) ResetCore(_ context.Context, core smite.Core) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cores = append(f.cores, core)
}

func (f *fakeResetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cores)
}

func testScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeResetter, *clockwork.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	resetter := &fakeResetter{}
	clock := clockwork.NewFakeClock()
	return New(s, resetter, clock), s, resetter, clock
}

func TestTickFiresDueConfig(t *testing.T) {
	sched, s, resetter, clock := testScheduler(t)

	if err := s.SaveResetConfig(smite.CoreResetConfig{
		Core: smite.CoreFRP, Enabled: true, IntervalMinutes: 30,
	}); err != nil {
		t.Fatal(err)
	}

	sched.tick(context.Background())
	if resetter.count() != 1 {
		t.Fatalf("resets = %d, want 1", resetter.count())
	}

	cfg, ok, err := s.GetResetConfig(smite.CoreFRP)
	if err != nil || !ok {
		t.Fatalf("GetResetConfig: ok=%v err=%v", ok, err)
	}
	if cfg.LastReset == nil || cfg.NextReset == nil {
		t.Fatal("schedule not committed")
	}
	if got := cfg.NextReset.Sub(*cfg.LastReset); got != 30*time.Minute {
		t.Errorf("next - last = %v, want 30m", got)
	}

	// Not due again until the interval elapses.
	sched.tick(context.Background())
	if resetter.count() != 1 {
		t.Errorf("reset fired before due: %d", resetter.count())
	}

	clock.Advance(31 * time.Minute)
	sched.tick(context.Background())
	if resetter.count() != 2 {
		t.Errorf("resets after interval = %d, want 2", resetter.count())
	}
}

func TestTickSkipsDisabledAndZeroInterval(t *testing.T) {
	sched, s, resetter, _ := testScheduler(t)

	if err := s.SaveResetConfig(smite.CoreResetConfig{Core: smite.CoreFRP, Enabled: false, IntervalMinutes: 30}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveResetConfig(smite.CoreResetConfig{Core: smite.CoreGost, Enabled: true, IntervalMinutes: 0}); err != nil {
		t.Fatal(err)
	}

	sched.tick(context.Background())
	if resetter.count() != 0 {
		t.Errorf("resets = %d, want 0", resetter.count())
	}
}

func TestRunWakesOnTicker(t *testing.T) {
	sched, s, resetter, clock := testScheduler(t)

	if err := s.SaveResetConfig(smite.CoreResetConfig{
		Core: smite.CoreBackhaul, Enabled: true, IntervalMinutes: 1,
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	// Wait for Run to park on the ticker, then release one tick.
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(pollInterval)

	deadline := time.After(5 * time.Second)
	for resetter.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("reset never fired")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
