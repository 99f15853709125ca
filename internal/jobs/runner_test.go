package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rustdash/relay-plane/internal/metrics"
)

type fakeStore struct {
	mu         sync.Mutex
	retentions []time.Duration
	staleAfter []time.Duration
	staleErr   error
}

func (f *fakeStore) CleanupClosedRelaySessions(_ context.Context, retention time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retentions = append(f.retentions, retention)
	return nil
}

func (f *fakeStore) CloseStaleRelaySessions(_ context.Context, after time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleAfter = append(f.staleAfter, after)
	return f.staleErr
}

func (f *fakeStore) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retentions), len(f.staleAfter)
}

func TestServe_RunsEachJobImmediatelyWithConfiguredWindows(t *testing.T) {
	metrics.ResetDefaultForTest()
	st := &fakeStore{staleErr: errors.New("db down")}
	r := NewRunner(st, Config{SessionRetention: 48 * time.Hour, StaleSessionAfter: 6 * time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ret, stale := st.calls()
		if ret >= 1 && stale >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not run: retention=%d stale=%d", ret, stale)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	st.mu.Lock()
	if st.retentions[0] != 48*time.Hour || st.staleAfter[0] != 6*time.Hour {
		t.Fatalf("unexpected windows: %v %v", st.retentions, st.staleAfter)
	}
	st.mu.Unlock()

	expected := `
# HELP relay_job_runs_total Total background job runs by job and status.
# TYPE relay_job_runs_total counter
relay_job_runs_total{job="relay_session_retention",status="ok"} 1
relay_job_runs_total{job="stale_relay_sessions",status="error"} 1
`
	if err := testutil.GatherAndCompare(metrics.Default().Gatherer(), strings.NewReader(expected), "relay_job_runs_total"); err != nil {
		t.Fatal(err)
	}
}

func TestNewRunner_DefaultIntervals(t *testing.T) {
	r := NewRunner(&fakeStore{}, Config{})
	if r.cfg.RetentionInterval != time.Hour || r.cfg.StaleInterval != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", r.cfg)
	}
}
