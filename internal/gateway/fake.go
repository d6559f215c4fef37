package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeBroker fabricates connection info locally, for dev mode and tests.
type FakeBroker struct {
	mu     sync.Mutex
	failed bool
	routes map[string]bool
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{routes: make(map[string]bool)}
}

func (f *FakeBroker) CreateConnection(_ context.Context, req ConnectionRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return nil, fmt.Errorf("%w: fake broker set to fail", ErrUnreachable)
	}
	f.routes[req.SessionID] = true
	return json.Marshal(map[string]string{
		"url":      fmt.Sprintf("https://gateway.invalid/connect/%s", req.SessionID),
		"address":  req.Address,
		"protocol": "rdp",
	})
}

func (f *FakeBroker) DeleteConnection(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, sessionID)
	return nil
}

// SetFailing makes subsequent CreateConnection calls return ErrUnreachable.
func (f *FakeBroker) SetFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = fail
}

// HasRoute reports whether a route is currently registered for the session.
func (f *FakeBroker) HasRoute(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[sessionID]
}
