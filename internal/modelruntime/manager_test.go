package modelruntime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type fakeClient struct {
	mu       sync.Mutex
	resident map[string]bool
	warmErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{resident: map[string]bool{}}
}

func (c *fakeClient) Warm(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warmErr != nil {
		return c.warmErr
	}
	c.resident[model] = true
	return nil
}

func (c *fakeClient) Unload(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resident, model)
	return nil
}

func (c *fakeClient) residentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resident)
}

func newTestManager(c *fakeClient) *Manager {
	return NewManager(c, Config{
		RealtimeModel:     "rt",
		AnalysisModel:     "an",
		DrainPollInterval: 2 * time.Millisecond,
		DrainTimeout:      200 * time.Millisecond,
	}, nil)
}

func TestAcquireRealtimeSession_WarmsAndReleases(t *testing.T) {
	c := newFakeClient()
	m := newTestManager(c)
	defer m.Close()

	release, err := m.AcquireRealtimeSession(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if st := m.State(); st.Stage != StageRealtime || st.ActiveRealtimeSessions != 1 {
		t.Fatalf("unexpected state after acquire: %+v", st)
	}

	release()
	release() // idempotent
	if st := m.State(); st.ActiveRealtimeSessions != 0 {
		t.Fatalf("expected counter back at zero, got %d", st.ActiveRealtimeSessions)
	}
}

func TestAcquire_WarmFailureDoesNotLeakCounter(t *testing.T) {
	c := newFakeClient()
	c.warmErr = errors.New("oom")
	m := newTestManager(c)
	defer m.Close()

	if _, err := m.AcquireRealtimeSession(context.Background()); err == nil {
		t.Fatalf("expected warm failure to surface")
	}
	if st := m.State(); st.ActiveRealtimeSessions != 0 {
		t.Fatalf("counter leaked: %d", st.ActiveRealtimeSessions)
	}
}

func TestEnsureAnalysisModel_WaitsForDrain(t *testing.T) {
	c := newFakeClient()
	m := newTestManager(c)
	defer m.Close()

	release, err := m.AcquireRealtimeSession(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.EnsureAnalysisModel(context.Background(), true, time.Second)
	}()

	select {
	case err := <-done:
		t.Fatalf("swap completed while a session was active: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("ensure after drain: %v", err)
	}
	if st := m.State(); st.Stage != StageAnalysis {
		t.Fatalf("expected analysis stage, got %q", st.Stage)
	}
}

func TestEnsureAnalysisModel_DrainTimeout(t *testing.T) {
	c := newFakeClient()
	m := newTestManager(c)
	defer m.Close()

	release, err := m.AcquireRealtimeSession(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	err = m.EnsureAnalysisModel(context.Background(), true, 30*time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
}

func TestReleaseAnalysisModel_ParksSlot(t *testing.T) {
	c := newFakeClient()
	m := newTestManager(c)
	defer m.Close()

	if err := m.EnsureAnalysisModel(context.Background(), false, 0); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := m.ReleaseAnalysisModel(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if st := m.State(); st.Stage != StageNone {
		t.Fatalf("expected stage none, got %q", st.Stage)
	}
	if c.residentCount() != 0 {
		t.Fatalf("expected no resident models, got %d", c.residentCount())
	}
}

// Randomized interleavings of acquire/release/ensure must never leave
// both models resident, and every drain-waited analysis swap must have
// observed zero active sessions.
func TestManager_RandomizedInterleavings(t *testing.T) {
	c := newFakeClient()
	m := newTestManager(c)
	defer m.Close()

	rng := rand.New(rand.NewSource(42))
	seeds := make([]int64, 8)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	var wg sync.WaitGroup
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 30; i++ {
				switch r.Intn(3) {
				case 0:
					release, err := m.AcquireRealtimeSession(context.Background())
					if err != nil {
						continue
					}
					time.Sleep(time.Duration(r.Intn(3)) * time.Millisecond)
					release()
				case 1:
					err := m.EnsureAnalysisModel(context.Background(), true, 50*time.Millisecond)
					if err == nil {
						_ = m.ReleaseAnalysisModel(context.Background())
					} else if !errors.Is(err, ErrDrainTimeout) {
						t.Errorf("unexpected ensure error: %v", err)
					}
				default:
					if c.residentCount() > 1 {
						t.Errorf("both models resident simultaneously")
					}
				}
			}
		}(seed)
	}
	wg.Wait()

	if c.residentCount() > 1 {
		t.Fatalf("both models resident after interleavings")
	}
	if st := m.State(); st.ActiveRealtimeSessions != 0 {
		t.Fatalf("counter leaked: %d", st.ActiveRealtimeSessions)
	}
}
