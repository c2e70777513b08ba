package mathom

import (
	"sync"
)

// A Quota enforces the two admission bounds of the store: a per-file size
// limit and a shared capacity covering reserved and committed bytes alike.
// Nothing is admitted that could push reserved+committed past the capacity.
type Quota struct {
	capacity    int64
	maxFileSize int64

	mu        sync.Mutex
	reserved  int64
	committed int64
}

// NewQuota returns a Quota for the given capacity and per-file limit.
func NewQuota(capacity, maxFileSize int64) *Quota {
	return &Quota{
		capacity:    capacity,
		maxFileSize: maxFileSize,
	}
}

// Capacity returns the configured capacity in bytes.
func (q *Quota) Capacity() int64 {
	return q.capacity
}

// MaxFileSize returns the per-file admission bound in bytes.
func (q *Quota) MaxFileSize() int64 {
	return q.maxFileSize
}

// Reserve admits size bytes into the reserved pool. The returned
// Reservation must be settled with Promote or Release exactly once; both
// are safe to call again after that.
func (q *Quota) Reserve(size int64) (*Reservation, error) {
	if size < 0 || size > q.maxFileSize {
		return nil, ErrTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.reserved+q.committed+size > q.capacity {
		return nil, ErrQuotaExceeded
	}
	q.reserved += size

	return &Reservation{quota: q, size: size}, nil
}

// AddCommitted accounts for bytes that entered the committed pool without
// passing admission, like records restored at startup or payloads adopted
// by the collector. The committed pool may exceed the capacity afterwards,
// in which case admissions fail until the collector frees space.
func (q *Quota) AddCommitted(n int64) {
	q.mu.Lock()
	q.committed += n
	q.mu.Unlock()
}

// ReleaseCommitted returns n committed bytes to the free pool.
func (q *Quota) ReleaseCommitted(n int64) {
	q.mu.Lock()
	q.committed -= n
	q.mu.Unlock()
}

// Usage returns the current reserved and committed byte counts.
func (q *Quota) Usage() (reserved, committed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserved, q.committed
}

// A Reservation holds admitted but unwritten bytes out of the shared
// capacity until the upload settles.
type Reservation struct {
	quota   *Quota
	size    int64
	settled bool
}

// Size returns the reserved byte count.
func (r *Reservation) Size() int64 {
	return r.size
}

// Promote moves the reservation into the committed pool at its actual
// size. The actual size never exceeds the reservation, writes past it fail
// before a commit can happen.
func (r *Reservation) Promote(actual int64) {
	r.quota.mu.Lock()
	defer r.quota.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	if actual > r.size {
		actual = r.size
	}
	r.quota.reserved -= r.size
	r.quota.committed += actual
}

// Release returns the reservation to the free pool. Releasing a settled
// reservation is a no-op so callers can defer it.
func (r *Reservation) Release() {
	r.quota.mu.Lock()
	defer r.quota.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	r.quota.reserved -= r.size
}
