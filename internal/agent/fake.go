package agent

import (
	"context"
	"sync"

	"github.com/gantryhq/gantry/internal/ctxutil"
)

// FakeAgent is a scripted Provider for tests. Responses are queued per
// kind and consumed in order; an exhausted queue repeats its last entry.
// Safe for concurrent use.
type FakeAgent struct {
	mu sync.Mutex

	responses map[Kind][]fakeResponse
	requests  []*Request
}

type fakeResponse struct {
	output string
	err    error
}

// NewFakeAgent creates an empty FakeAgent.
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{responses: make(map[Kind][]fakeResponse)}
}

// Compile-time check that FakeAgent implements Provider.
var _ Provider = (*FakeAgent)(nil)

// Respond queues a successful response for the kind.
func (f *FakeAgent) Respond(kind Kind, output string) *FakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[kind] = append(f.responses[kind], fakeResponse{output: output})
	return f
}

// Fail queues a failing response for the kind.
func (f *FakeAgent) Fail(kind Kind, err error) *FakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[kind] = append(f.responses[kind], fakeResponse{err: err})
	return f
}

// Requests returns the received requests in order.
func (f *FakeAgent) Requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.requests...)
}

// RequestsOf returns the received requests of one kind, in order.
func (f *FakeAgent) RequestsOf(kind Kind) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, 0)
	for _, req := range f.requests {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

// Generate consumes the next scripted response for the request's kind.
func (f *FakeAgent) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	queue := f.responses[req.Kind]
	if len(queue) == 0 {
		return &Result{Output: ""}, nil
	}

	next := queue[0]
	if len(queue) > 1 {
		f.responses[req.Kind] = queue[1:]
	}

	if next.err != nil {
		return nil, next.err
	}
	return &Result{Output: next.output}, nil
}
