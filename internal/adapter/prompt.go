package adapter

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPromptCap is the per-socket limit on concurrently pending prompts
// (spec §4.5).
const DefaultPromptCap = 8

// DefaultPromptTimeout is how long a prompt waits for a response before it
// is resolved as a synthetic timeout (spec §4.5).
const DefaultPromptTimeout = 30 * time.Second

var errTooManyPrompts = errors.New("adapter: too many pending prompts for this socket")

var htmlLike = regexp.MustCompile(`<[^>]*>`)

// PromptResponse is what a client's prompt-response event carries.
type PromptResponse struct {
	ID     string
	Action string
	Inputs map[string]string
}

type pendingPrompt struct {
	socketID  string
	buttons   map[string]bool
	inputKeys map[string]bool
	createdAt time.Time
	timeout   time.Duration
	resultCh  chan PromptResponse
	timer     *time.Timer
}

// PromptTracker tracks prompts awaiting a client response, process-wide,
// keyed by (socketID, promptID) per spec §5's shared-resource list.
type PromptTracker struct {
	mu       sync.Mutex
	bySocket map[string]map[string]*pendingPrompt
}

// NewPromptTracker builds an empty tracker.
func NewPromptTracker() *PromptTracker {
	return &PromptTracker{bySocket: make(map[string]map[string]*pendingPrompt)}
}

// Register creates a new pending prompt for socketID and returns its id and
// a channel that receives the eventual response (including a synthetic
// {action: "timeout"} if nothing arrives in time).
func (t *PromptTracker) Register(socketID string, buttons, inputKeys []string, timeout time.Duration) (string, <-chan PromptResponse, error) {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}

	t.mu.Lock()
	sockPrompts, ok := t.bySocket[socketID]
	if !ok {
		sockPrompts = make(map[string]*pendingPrompt)
		t.bySocket[socketID] = sockPrompts
	}
	if len(sockPrompts) >= DefaultPromptCap {
		t.mu.Unlock()
		return "", nil, errTooManyPrompts
	}

	id := uuid.NewString()
	buttonSet := make(map[string]bool, len(buttons)+2)
	for _, b := range buttons {
		buttonSet[b] = true
	}
	buttonSet["dismissed"] = true
	buttonSet["timeout"] = true

	inputSet := make(map[string]bool, len(inputKeys))
	for _, k := range inputKeys {
		inputSet[k] = true
	}

	p := &pendingPrompt{
		socketID:  socketID,
		buttons:   buttonSet,
		inputKeys: inputSet,
		createdAt: time.Now(),
		timeout:   timeout,
		resultCh:  make(chan PromptResponse, 1),
	}
	sockPrompts[id] = p
	t.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		t.resolveTimeout(socketID, id)
	})

	return id, p.resultCh, nil
}

func (t *PromptTracker) resolveTimeout(socketID, id string) {
	t.mu.Lock()
	sockPrompts, ok := t.bySocket[socketID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p, ok := sockPrompts[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(sockPrompts, id)
	t.mu.Unlock()

	p.resultCh <- PromptResponse{ID: id, Action: "timeout"}
	close(p.resultCh)
}

// Resolve validates and delivers a client's prompt-response event.
// Validation per spec §4.5: id owned by this socket, not expired, action in
// declared buttons ∪ {dismissed, timeout}, inputs only for declared keys,
// and no HTML-like content in any value. Empty or missing values for
// declared keys are not rejected.
func (t *PromptTracker) Resolve(socketID string, resp PromptResponse) error {
	t.mu.Lock()
	sockPrompts, ok := t.bySocket[socketID]
	if !ok {
		t.mu.Unlock()
		return errors.New("adapter: no pending prompts for this socket")
	}
	p, ok := sockPrompts[resp.ID]
	if !ok {
		t.mu.Unlock()
		return errors.New("adapter: prompt id not owned by this socket")
	}

	if time.Since(p.createdAt) > p.timeout {
		delete(sockPrompts, resp.ID)
		t.mu.Unlock()
		p.timer.Stop()
		return errors.New("adapter: prompt response arrived after timeout")
	}
	if !p.buttons[resp.Action] {
		t.mu.Unlock()
		return errors.New("adapter: action not among declared buttons")
	}
	for key, value := range resp.Inputs {
		if !p.inputKeys[key] {
			t.mu.Unlock()
			return errors.New("adapter: input key not declared for this prompt")
		}
		if htmlLike.MatchString(value) {
			t.mu.Unlock()
			return errors.New("adapter: rejected HTML-like content in prompt input")
		}
	}

	delete(sockPrompts, resp.ID)
	t.mu.Unlock()

	p.timer.Stop()
	p.resultCh <- resp
	close(p.resultCh)
	return nil
}

// RemoveAllForSocket cancels every pending prompt owned by socketID without
// resolving their result channels (the adapter teardown path discards them;
// any waiter is also being torn down).
func (t *PromptTracker) RemoveAllForSocket(socketID string) {
	t.mu.Lock()
	sockPrompts, ok := t.bySocket[socketID]
	if ok {
		for _, p := range sockPrompts {
			p.timer.Stop()
		}
		delete(t.bySocket, socketID)
	}
	t.mu.Unlock()
}
