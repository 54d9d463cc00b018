// Package store persists the per-recipient in-app inbox.
//
// The engine appends an entry for every delivered in-app notification; the
// external notification-center UI reads the inbox (and unread counts)
// directly. Only the most recent entries per recipient are retained.
package store
