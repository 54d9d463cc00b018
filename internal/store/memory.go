package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps the inbox in process memory. Used by tests and
// deployments that don't need the inbox to survive restarts.
type memoryStore struct {
	mu  sync.Mutex
	cap int
	// per recipient, newest last
	entries map[string][]Entry
}

func newMemory(cfg Config) Store {
	return &memoryStore{cap: cfg.InboxCap, entries: map[string][]Entry{}}
}

func (m *memoryStore) AppendInbox(_ context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[e.RecipientID]
	// Replace on duplicate ID (append is an upsert, same as sqlite).
	replaced := false
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, e)
	}
	if len(list) > m.cap {
		list = list[len(list)-m.cap:]
	}
	m.entries[e.RecipientID] = list
	return nil
}

func (m *memoryStore) ListInbox(_ context.Context, recipientID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > m.cap {
		limit = m.cap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[recipientID]
	out := append([]Entry(nil), list...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) UnreadCount(_ context.Context, recipientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries[recipientID] {
		if !e.Read {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rcpt, list := range m.entries {
		for i := range list {
			if list[i].ID == id {
				list[i].Read = true
				m.entries[rcpt] = list
				return nil
			}
		}
	}
	return nil
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }
