package testutil

import (
	"context"
	"sync"

	"github.com/richardliu001/bridge-wallet/internal/provider"
)

// Rail is a provider.Caller that answers every call with a canned HTTP
// outcome and records what it was asked.
type Rail struct {
	mu     sync.Mutex
	Calls  []provider.Request
	Status int
	Sent   bool
	Body   string
}

func (f *Rail) Call(_ context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	res := &provider.Result{
		OK: f.Status >= 200 && f.Status < 300, Mode: provider.ModeDirect,
		Status: f.Status, Sent: f.Sent, Raw: []byte(f.Body),
	}
	res.Response = provider.DecodeResponse(res.Raw)
	return res, nil
}

// Answer swaps the canned outcome.
func (f *Rail) Answer(status int, body string) {
	f.mu.Lock()
	f.Status, f.Body = status, body
	f.mu.Unlock()
}

func (f *Rail) LastCall() provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[len(f.Calls)-1]
}
