package api

import (
	"context"
	"sync"
)

// Call is one request recorded by FakeClient.
type Call struct {
	Kind   string // welcome, ready, finish, weight
	Epoch  uint32
	Weight Weight
	MAC    string
	ID     string
}

// FakeClient records calls and answers with configurable results.
type FakeClient struct {
	mu        sync.Mutex
	calls     []Call
	fail      bool
	failNext  int
	welcomeID string
}

// NewFakeClient creates a FakeClient where every post succeeds.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// SetFail makes every post fail until cleared.
func (f *FakeClient) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// FailNext makes the next n posts fail.
func (f *FakeClient) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// SetWelcomeID sets the id returned by Welcome.
func (f *FakeClient) SetWelcomeID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomeID = id
}

// Calls returns a copy of the recorded calls.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Weights returns the recorded successful and failed weight posts.
func (f *FakeClient) Weights() []Weight {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Weight
	for _, c := range f.calls {
		if c.Kind == "weight" {
			out = append(out, c.Weight)
		}
	}
	return out
}

func (f *FakeClient) record(c Call) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.failNext > 0 {
		f.failNext--
		return false
	}
	return !f.fail
}

func (f *FakeClient) Welcome(_ context.Context, mac, currentID string) string {
	if !f.record(Call{Kind: "welcome", MAC: mac, ID: currentID}) {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.welcomeID
}

func (f *FakeClient) PostReady(_ context.Context, epoch uint32) bool {
	return f.record(Call{Kind: "ready", Epoch: epoch})
}

func (f *FakeClient) PostFinish(_ context.Context, epoch uint32) bool {
	return f.record(Call{Kind: "finish", Epoch: epoch})
}

func (f *FakeClient) PostWeight(_ context.Context, w Weight) bool {
	return f.record(Call{Kind: "weight", Weight: w})
}
