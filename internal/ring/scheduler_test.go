package ring

import (
	"context"
	"sync"
	"testing"
	"time"

	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/events"
	"outreach-platform/internal/patients"
)

type stubGreeter struct {
	text string
	err  error
}

func (g *stubGreeter) Greeting(ctx context.Context, patientID string) (string, error) {
	return g.text, g.err
}

type stubSynth struct {
	mu    sync.Mutex
	calls int
	wav   []byte
	err   error
	block chan struct{}
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.wav, s.err
}

type stubNotifier struct {
	mu       sync.Mutex
	incoming []string
	missed   []string
	deliver  bool
}

func (n *stubNotifier) NotifyIncomingCall(patientID string, payload map[string]any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, patientID)
	return n.deliver
}

func (n *stubNotifier) NotifyMissed(patientID string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, patientID)
}

func (n *stubNotifier) missedFor(patientID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.missed {
		if id == patientID {
			return true
		}
	}
	return false
}

type fixture struct {
	sched     *Scheduler
	callRepo  *calls.MemoryRepo
	patients  *patients.MemoryRepo
	store     *events.MemoryStore
	transport *events.LoopbackTransport
	notifier  *stubNotifier
	synth     *stubSynth
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	store := events.NewMemoryStore()
	transport := events.NewLoopbackTransport()
	bus := events.NewBus(transport, store, nil, nil)
	callRepo := calls.NewMemoryRepo()
	patientRepo := patients.NewMemoryRepo()
	campaignRepo := campaigns.NewMemoryRepo()
	svc := campaigns.NewService(campaignRepo, patientRepo, nil)
	synth := &stubSynth{wav: []byte("RIFFwav")}
	notifier := &stubNotifier{deliver: true}
	sched := NewScheduler(Config{Window: window}, bus, callRepo, patientRepo, svc,
		&stubGreeter{text: "Hello Dana, this is the clinic."}, synth, nil)
	sched.SetNotifier(notifier)
	return &fixture{sched: sched, callRepo: callRepo, patients: patientRepo, store: store, transport: transport, notifier: notifier, synth: synth}
}

func seedPatient(t *testing.T, repo *patients.MemoryRepo) patients.Patient {
	t.Helper()
	p, err := repo.Create(context.Background(), patients.Patient{
		OrganizationID: "org-1",
		Name:           "Dana",
		Phone:          "+15550100",
		Status:         patients.StatusQueued,
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRingAnswerReturnsPreSynthesizedGreeting(t *testing.T) {
	fx := newFixture(t, time.Minute)
	p := seedPatient(t, fx.patients)

	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1"})

	waitFor(t, time.Second, func() bool {
		fx.synth.mu.Lock()
		defer fx.synth.mu.Unlock()
		return fx.synth.calls == 1
	})
	// ready flag is set after synthesis; poll through Answer-visible state
	waitFor(t, time.Second, func() bool {
		fx.sched.mu.Lock()
		defer fx.sched.mu.Unlock()
		entry, ok := fx.sched.pending[p.ID]
		return ok && entry.ready
	})

	g, ok := fx.sched.Answer(p.ID)
	if !ok {
		t.Fatal("expected pending ring")
	}
	if g.Text == "" || len(g.Audio) == 0 {
		t.Fatalf("expected cached greeting, got %+v", g)
	}
	if fx.sched.Pending(p.ID) {
		t.Fatal("answer should consume the pending entry")
	}

	got, err := fx.patients.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if got.Status != patients.StatusRinging {
		t.Fatalf("status = %s, want ringing", got.Status)
	}
}

func TestRingAnswerBeforeSynthesisCompletes(t *testing.T) {
	fx := newFixture(t, time.Minute)
	fx.synth.block = make(chan struct{})
	p := seedPatient(t, fx.patients)

	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1"})

	g, ok := fx.sched.Answer(p.ID)
	if !ok {
		t.Fatal("expected pending ring")
	}
	if g.Text != "" || g.Audio != nil {
		t.Fatalf("expected empty greeting before synthesis, got %+v", g)
	}
	close(fx.synth.block)
}

func TestRingReplacesPriorEntryForSamePatient(t *testing.T) {
	fx := newFixture(t, time.Minute)
	p := seedPatient(t, fx.patients)

	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1", CampaignID: "c-old"})
	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1", CampaignID: "c-new"})

	fx.sched.mu.Lock()
	n := len(fx.sched.pending)
	campaign := fx.sched.pending[p.ID].req.CampaignID
	fx.sched.mu.Unlock()
	if n != 1 {
		t.Fatalf("pending entries = %d, want 1", n)
	}
	if campaign != "c-new" {
		t.Fatalf("campaign = %s, want c-new", campaign)
	}
}

func TestRingTimeoutMarksMissedWithoutRetry(t *testing.T) {
	fx := newFixture(t, 30*time.Millisecond)
	p := seedPatient(t, fx.patients)

	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1", RetryAttempt: 1})

	waitFor(t, 2*time.Second, func() bool { return fx.notifier.missedFor(p.ID) })

	got, err := fx.patients.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if got.Status != patients.StatusMissed {
		t.Fatalf("status = %s, want missed", got.Status)
	}

	recs, err := fx.callRepo.ByState(context.Background(), "org-1", calls.StateFailed, 10)
	if err != nil {
		t.Fatalf("by state: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("failed call records = %d, want 1", len(recs))
	}
	if recs[0].DurationSeconds != 0 {
		t.Fatalf("duration = %d, want 0", recs[0].DurationSeconds)
	}

	countType := func(typ events.Type) int {
		n := 0
		for _, e := range fx.store.Events() {
			if e.Type == typ {
				n++
			}
		}
		return n
	}
	waitFor(t, time.Second, func() bool { return countType(events.TypeCallFailed) == 1 })
	// no retry event for a missed ring
	if n := countType(events.TypeCallRetryScheduled); n != 0 {
		t.Fatalf("retry events = %d, want 0", n)
	}

	if _, ok := fx.sched.Answer(p.ID); ok {
		t.Fatal("answer after timeout should report no pending ring")
	}
}

func TestRejectMarksRejected(t *testing.T) {
	fx := newFixture(t, time.Minute)
	p := seedPatient(t, fx.patients)

	fx.sched.Ring(context.Background(), Request{PatientID: p.ID, OrganizationID: "org-1"})
	fx.sched.Reject(context.Background(), p.ID)

	got, err := fx.patients.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if got.Status != patients.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if fx.sched.Pending(p.ID) {
		t.Fatal("reject should consume the pending entry")
	}
}
