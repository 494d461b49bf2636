package store

import (
	"context"
	"sync"

	"classattend/internal/attendance"
)

// Memory keeps encoded documents in process, for development and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Load returns the user's document or attendance.ErrNotFound.
func (m *Memory) Load(ctx context.Context, userID string) (attendance.Document, error) {
	if err := ctx.Err(); err != nil {
		return attendance.Document{}, err
	}
	m.mu.RLock()
	body, ok := m.docs[userID]
	m.mu.RUnlock()
	if !ok {
		return attendance.Document{}, attendance.ErrNotFound
	}
	return attendance.DecodeDocument(body)
}

// Save replaces the user's document.
func (m *Memory) Save(ctx context.Context, userID string, doc attendance.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := doc.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[userID] = body
	m.mu.Unlock()
	return nil
}

// Delete drops the user's document.
func (m *Memory) Delete(userID string) {
	m.mu.Lock()
	delete(m.docs, userID)
	m.mu.Unlock()
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
