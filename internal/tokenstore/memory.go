// Package tokenstore persists the Copilot token record for auth.Manager.
package tokenstore

import (
	"context"
	"sync"

	"copilot-gateway/internal/auth"
)

// Memory keeps the record in process memory.
type Memory struct {
	mu  sync.RWMutex
	tok *auth.Token
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(context.Context) (*auth.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tok == nil {
		return nil, nil
	}
	cp := *m.tok
	return &cp, nil
}

func (m *Memory) Set(_ context.Context, tok auth.Token) error {
	m.mu.Lock()
	m.tok = &tok
	m.mu.Unlock()
	return nil
}
