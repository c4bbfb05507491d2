package adapter

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rjsadow/shellgate/internal/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	emits  []string
	closed bool
}

func (t *fakeTransport) Emit(event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emits = append(t.emits, event)
	return nil
}

func (t *fakeTransport) BufferedAmount() (int, bool) { return 0, false }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) emitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.emits)
}

func TestPauseShellReadActuallyBlocksThePump(t *testing.T) {
	transport := &fakeTransport{}
	a := New("sess-1", "sock-1", store.New(), transport, nil, Config{}, nil)

	pr, pw := io.Pipe()
	a.pauseShellRead()

	done := make(chan struct{})
	go func() {
		a.pumpShellOutput(pr)
		close(done)
	}()

	written := make(chan struct{})
	go func() {
		pw.Write([]byte("hello"))
		close(written)
	}()

	select {
	case <-written:
		t.Fatal("write completed while shell read should be paused")
	case <-time.After(50 * time.Millisecond):
	}

	if got := transport.emitCount(); got != 0 {
		t.Fatalf("got %d emits while paused, want 0", got)
	}

	a.resumeShellRead()

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("write never completed after resume")
	}

	pw.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumpShellOutput never returned after pipe closed")
	}
}

func TestComputeBackpressureActionNoMetric(t *testing.T) {
	if got := computeBackpressureAction(nil, 1024, false); got != BackpressureNone {
		t.Fatalf("got %s, want none", got)
	}
}

func TestComputeBackpressureActionPausesAtHighWater(t *testing.T) {
	amount := 2048
	if got := computeBackpressureAction(&amount, 1024, false); got != BackpressurePause {
		t.Fatalf("got %s, want pause", got)
	}
}

func TestComputeBackpressureActionDoesNotDoublePause(t *testing.T) {
	amount := 2048
	if got := computeBackpressureAction(&amount, 1024, true); got != BackpressureNone {
		t.Fatalf("got %s, want none (already paused)", got)
	}
}

func TestComputeBackpressureActionResumesBelowLowWater(t *testing.T) {
	amount := 100
	if got := computeBackpressureAction(&amount, 1024, true); got != BackpressureResume {
		t.Fatalf("got %s, want resume", got)
	}
}

func TestComputeBackpressureActionStaysPausedInHysteresisBand(t *testing.T) {
	amount := 500 // between H/4=256 and H=1024
	if got := computeBackpressureAction(&amount, 1024, true); got != BackpressureNone {
		t.Fatalf("got %s, want none (within hysteresis band)", got)
	}
}

func TestComputeBackpressureActionUnpausedBelowHighWaterStaysNone(t *testing.T) {
	amount := 500
	if got := computeBackpressureAction(&amount, 1024, false); got != BackpressureNone {
		t.Fatalf("got %s, want none", got)
	}
}

func TestClampDim(t *testing.T) {
	cases := map[int]int{0: 1, -5: 1, 1: 1, 1000: 1000, 1001: 1000, 500: 500}
	for in, want := range cases {
		if got := clampDim(in); got != want {
			t.Fatalf("clampDim(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPromptTrackerRegisterResolve(t *testing.T) {
	tr := NewPromptTracker()
	id, ch, err := tr.Register("sock-1", []string{"submit"}, []string{"password"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := tr.Resolve("sock-1", PromptResponse{ID: id, Action: "submit", Inputs: map[string]string{"password": "hunter2"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp := <-ch
	if resp.Inputs["password"] != "hunter2" {
		t.Fatalf("got %v", resp)
	}
}

func TestPromptTrackerRejectsWrongSocket(t *testing.T) {
	tr := NewPromptTracker()
	id, _, _ := tr.Register("sock-1", []string{"submit"}, nil, 0)
	if err := tr.Resolve("sock-2", PromptResponse{ID: id, Action: "submit"}); err == nil {
		t.Fatal("expected error resolving a prompt from a different socket")
	}
}

func TestPromptTrackerRejectsUndeclaredAction(t *testing.T) {
	tr := NewPromptTracker()
	id, _, _ := tr.Register("sock-1", []string{"submit"}, nil, 0)
	if err := tr.Resolve("sock-1", PromptResponse{ID: id, Action: "hack"}); err == nil {
		t.Fatal("expected error for undeclared action")
	}
}

func TestPromptTrackerRejectsHTMLInjection(t *testing.T) {
	tr := NewPromptTracker()
	id, _, _ := tr.Register("sock-1", []string{"submit"}, []string{"password"}, 0)
	if err := tr.Resolve("sock-1", PromptResponse{ID: id, Action: "submit", Inputs: map[string]string{"password": "<script>alert(1)</script>"}}); err == nil {
		t.Fatal("expected error for HTML-like content")
	}
}

func TestPromptTrackerRejectsUndeclaredInputKey(t *testing.T) {
	tr := NewPromptTracker()
	id, _, _ := tr.Register("sock-1", []string{"submit"}, []string{"password"}, 0)
	if err := tr.Resolve("sock-1", PromptResponse{ID: id, Action: "submit", Inputs: map[string]string{"extra": "x"}}); err == nil {
		t.Fatal("expected error for undeclared input key")
	}
}

func TestPromptTrackerEnforcesPerSocketCap(t *testing.T) {
	tr := NewPromptTracker()
	for i := 0; i < DefaultPromptCap; i++ {
		if _, _, err := tr.Register("sock-1", nil, nil, time.Minute); err != nil {
			t.Fatalf("unexpected error registering prompt %d: %v", i, err)
		}
	}
	if _, _, err := tr.Register("sock-1", nil, nil, time.Minute); err == nil {
		t.Fatal("expected error exceeding per-socket prompt cap")
	}
}

func TestPromptTrackerRemoveAllForSocket(t *testing.T) {
	tr := NewPromptTracker()
	id, _, _ := tr.Register("sock-1", []string{"submit"}, nil, time.Minute)
	tr.RemoveAllForSocket("sock-1")
	if err := tr.Resolve("sock-1", PromptResponse{ID: id, Action: "submit"}); err == nil {
		t.Fatal("expected error resolving a removed prompt")
	}
}
