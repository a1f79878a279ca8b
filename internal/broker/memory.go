// Package broker provides in-process implementations of the chat core's
// pub/sub and persistence collaborators. They back local development when
// no hosted project is configured, and the test suite.
package broker

import (
	"context"
	"sync"
)

// Memory is an in-process best-effort broadcast channel set. Delivery is
// synchronous and at-most-once: a subscriber that cancels mid-publish may
// or may not see that payload, which matches the contract of the hosted
// broadcast collaborator it stands in for.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

// NewMemory creates an empty broadcast broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]func([]byte))}
}

// Publish delivers the payload to every current subscriber of the channel.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	fns := make([]func([]byte), 0, len(m.subs[channel]))
	for _, fn := range m.subs[channel] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

// Subscribe registers a callback for the channel until the returned cancel
// function runs.
func (m *Memory) Subscribe(channel string, fn func(payload []byte)) (func(), error) {
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func([]byte))
	}
	id := m.nextID
	m.nextID++
	m.subs[channel][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if subs, ok := m.subs[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, channel)
			}
		}
		m.mu.Unlock()
	}, nil
}
