package auth

import (
	"sync"
	"time"
)

// Revocations remembers logged-out session IDs until their tokens expire
type Revocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewRevocations creates an empty revocation list
func NewRevocations(now func() time.Time) *Revocations {
	if now == nil {
		now = time.Now
	}
	return &Revocations{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Revoke records id as revoked until expiresAt. Expired entries are dropped
// on every call, so the list never outgrows the live sessions.
func (r *Revocations) Revoke(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, key)
		}
	}
	r.entries[id] = expiresAt
}

// IsRevoked reports whether id was revoked and has not expired yet
func (r *Revocations) IsRevoked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.entries[id]
	return ok && r.now().Before(exp)
}

// Len returns the number of tracked revocations
func (r *Revocations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
