package store

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the inbox store.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, ephemeral deployments)
//
// If Driver is empty or "none", the store is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	InboxCap    int           // max retained entries per recipient; default 100
}

// Entry is one in-app notification as the notification-center UI reads it.
// Keep it compact and schema-stable.
type Entry struct {
	ID          string
	RecipientID string
	Subject     string
	Body        string
	CreatedAt   time.Time
	Read        bool
}

// Store is the durable per-recipient inbox. Appends are capped: only the
// most recent InboxCap entries per recipient are retained.
type Store interface {
	AppendInbox(ctx context.Context, e Entry) error
	ListInbox(ctx context.Context, recipientID string, limit int) ([]Entry, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
