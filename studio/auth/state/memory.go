package state

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

type memoryState struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryState returns a State living only as long as the process.
func NewMemoryState() State {
	return &memoryState{}
}

func (m *memoryState) GetCredentials(_ context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, trace.NotFound("no credentials stored")
	}
	creds := *m.creds
	return &creds, nil
}

func (m *memoryState) PutCredentials(_ context.Context, creds *Credentials) error {
	if creds == nil {
		return trace.BadParameter("missing credentials")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *creds
	m.creds = &copied
	return nil
}

func (m *memoryState) DeleteCredentials(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}
