package session

import (
	"context"
	"time"
)

// Record is the presence entry kept for an authenticated identity, so any
// instance can see which server currently holds a user.
type Record struct {
	Identity        string    `json:"identity"`
	ConnID          string    `json:"conn_id"`
	ServerID        string    `json:"server_id"` // instance handling the connection
	RemoteAddr      string    `json:"remote_addr"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// Store persists presence records.
type Store interface {
	// Create stores a record, replacing any previous one for the identity.
	Create(ctx context.Context, rec *Record) error
	// Get retrieves a record by identity. A missing record is (nil, nil).
	Get(ctx context.Context, identity string) (*Record, error)
	// Delete removes the record if it still belongs to connID.
	Delete(ctx context.Context, identity, connID string) error
	// RefreshTTL extends the record's lifetime.
	RefreshTTL(ctx context.Context, identity string) error
}
