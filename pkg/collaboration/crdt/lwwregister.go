package crdt

import (
	"fmt"
	"sync"
	"time"
)

// LWWRegister is a last-writer-wins register. The write with the later
// timestamp wins; timestamp ties are broken by the lexicographically
// greater writer id so every replica picks the same winner.
type LWWRegister struct {
	mu        sync.RWMutex
	value     interface{}
	timestamp time.Time
	writerID  string
}

// NewLWWRegister creates a new LWW register
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

// Set applies a write and reports whether it won over the current value
func (r *LWWRegister) Set(value interface{}, timestamp time.Time, writerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.wonBy(timestamp, writerID) {
		return false
	}

	r.value = value
	r.timestamp = timestamp
	r.writerID = writerID
	return true
}

// Get returns the current value
func (r *LWWRegister) Get() interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.value
}

// Stamp returns the winning write's timestamp and writer id
func (r *LWWRegister) Stamp() (time.Time, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.timestamp, r.writerID
}

// Written reports whether the register has ever been written
func (r *LWWRegister) Written() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return !r.timestamp.IsZero() || r.writerID != ""
}

// Merge combines this register with another, keeping the later write
func (r *LWWRegister) Merge(other *LWWRegister) error {
	if other == nil {
		return fmt.Errorf("cannot merge nil register")
	}

	other.mu.RLock()
	value, timestamp, writerID := other.value, other.timestamp, other.writerID
	other.mu.RUnlock()

	r.Set(value, timestamp, writerID)
	return nil
}

// Clone creates a deep copy of the register
func (r *LWWRegister) Clone() *LWWRegister {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &LWWRegister{
		value:     r.value,
		timestamp: r.timestamp,
		writerID:  r.writerID,
	}
}

// wonBy reports whether a write at (timestamp, writerID) wins over the
// current one. An unwritten register is won by any write. Caller holds
// the lock.
func (r *LWWRegister) wonBy(timestamp time.Time, writerID string) bool {
	if r.timestamp.IsZero() && r.writerID == "" {
		return true
	}
	if timestamp.After(r.timestamp) {
		return true
	}
	return timestamp.Equal(r.timestamp) && writerID > r.writerID
}
