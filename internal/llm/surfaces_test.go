package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func fakeOllama(t *testing.T, respond func(call int, req generateRequest) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		n := int(calls.Add(1))
		_ = json.NewEncoder(w).Encode(generateResponse{Response: respond(n, req)})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGenerateTurn_RepairRetryRecovers(t *testing.T) {
	srv, calls := fakeOllama(t, func(call int, req generateRequest) string {
		if call == 1 {
			return "I think the patient wants to continue the conversation."
		}
		if !strings.Contains(req.Prompt, "Your previous output was invalid") {
			t.Errorf("repair attempt missing repair instruction")
		}
		return `{"reply": "Great, see you then.", "action": "continue", "goal_status": "pending", "risk_detected": false, "confidence": 0.8}`
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil)
	d, err := c.GenerateTurn(context.Background(), "rt", TurnContext{
		CampaignGoal: "confirm appointment",
		PatientName:  "Ana",
		Utterance:    "Tuesday works",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Action != TurnActionContinue {
		t.Fatalf("unexpected action %q", d.Action)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls.Load())
	}
}

func TestGenerateTurn_FailsAfterSecondInvalidPayload(t *testing.T) {
	srv, calls := fakeOllama(t, func(call int, req generateRequest) string {
		return "still not json"
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil)
	if _, err := c.GenerateTurn(context.Background(), "rt", TurnContext{Utterance: "hi"}); err == nil {
		t.Fatalf("expected failure after repair retry")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls.Load())
	}
}

func TestWarmAndUnload_KeepAlive(t *testing.T) {
	srv, _ := fakeOllama(t, func(call int, req generateRequest) string {
		switch call {
		case 1:
			if req.KeepAlive != "30m" {
				t.Errorf("warm keep_alive = %q, want 30m", req.KeepAlive)
			}
		case 2:
			if req.KeepAlive != "0" {
				t.Errorf("unload keep_alive = %q, want 0", req.KeepAlive)
			}
		}
		return "ok"
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil)
	if err := c.Warm(context.Background(), "rt"); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := c.Unload(context.Background(), "rt"); err != nil {
		t.Fatalf("unload: %v", err)
	}
}
