package types

import "net/http"

// CacheStrategy names how a cached response was obtained
type CacheStrategy string

const (
	NetworkFirst CacheStrategy = "network-first"
	CacheFirst   CacheStrategy = "cache-first"
)

// CacheEntry wraps a stored HTTP response for serialization
type CacheEntry struct {
	Key      string        `json:"key"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header"`
	Body     []byte        `json:"body"`
	Strategy CacheStrategy `json:"strategy"`
	StoredAt int64         `json:"stored_at"`
}

// SyncEntry is a queued mutation waiting for connectivity
type SyncEntry struct {
	ID         string `json:"id"`
	Tag        string `json:"tag"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}
