package upstream

import (
	"context"
	"sync"
)

// FakeClient is a scripted Client for tests. Each call consumes the next
// queued reply; when the queue is empty, Reply is returned.
type FakeClient struct {
	mu sync.Mutex

	// Reply is the default completion text.
	Reply string
	// Err, when set, fails every call.
	Err error

	queue    []*Completion
	requests []CompletionRequest
}

func (f *FakeClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		return next, nil
	}
	return &Completion{Text: f.Reply, Model: req.Model, StopReason: "end_turn"}, nil
}

// Queue appends a scripted completion.
func (f *FakeClient) Queue(c *Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, c)
}

// Requests returns the requests observed so far.
func (f *FakeClient) Requests() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CompletionRequest, len(f.requests))
	copy(out, f.requests)
	return out
}
