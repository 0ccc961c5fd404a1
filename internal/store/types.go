// Package store provides SQLite-based client-local storage for advisorlink.
package store

// Message role values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message origin values. A message is created locally on user submission
// and flips to server origin once the backend confirms it.
const (
	OriginLocal  = "local"
	OriginServer = "server"
)

// Message is one conversation turn. ID is the sole deduplication key
// across reconciliation merges.
type Message struct {
	ID          string
	Role        string
	Content     string
	TimestampNs int64
	Origin      string
}

// Well-known identity keys.
const (
	KeyDeviceID  = "device_id"
	KeySessionID = "session_id"
)
