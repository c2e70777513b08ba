package mathom

import (
	"sync"
	"testing"
)

const gib = int64(1) << 30

func TestQuotaReserve(t *testing.T) {
	q := NewQuota(10*gib, 8*gib)

	first, err := q.Reserve(5 * gib)
	if err != nil {
		t.Fatalf("reserve 5GiB: %v", err)
	}

	if _, err := q.Reserve(6 * gib); !IsQuotaExceeded(err) {
		t.Errorf("have %v, want %v", err, ErrQuotaExceeded)
	}

	second, err := q.Reserve(3 * gib)
	if err != nil {
		t.Fatalf("reserve 3GiB: %v", err)
	}

	first.Promote(4 * gib)

	reserved, committed := q.Usage()
	if have, want := reserved, 3*gib; have != want {
		t.Errorf("have %d reserved, want %d", have, want)
	}
	if have, want := committed, 4*gib; have != want {
		t.Errorf("have %d committed, want %d", have, want)
	}

	second.Release()

	reserved, committed = q.Usage()
	if have, want := reserved, int64(0); have != want {
		t.Errorf("have %d reserved, want %d", have, want)
	}
	if have, want := committed, 4*gib; have != want {
		t.Errorf("have %d committed, want %d", have, want)
	}
}

func TestQuotaTooLarge(t *testing.T) {
	q := NewQuota(10*gib, 8*gib)

	if _, err := q.Reserve(9 * gib); !IsTooLarge(err) {
		t.Errorf("have %v, want %v", err, ErrTooLarge)
	}

	if _, err := q.Reserve(-1); !IsTooLarge(err) {
		t.Errorf("have %v, want %v", err, ErrTooLarge)
	}

	// The capacity bound applies even when the per-file limit would allow more.
	q = NewQuota(10*gib, 20*gib)
	if _, err := q.Reserve(15 * gib); !IsQuotaExceeded(err) {
		t.Errorf("have %v, want %v", err, ErrQuotaExceeded)
	}
}

func TestQuotaReleaseCommitted(t *testing.T) {
	q := NewQuota(100, 100)

	res, err := q.Reserve(60)
	if err != nil {
		t.Fatal(err)
	}
	res.Promote(60)

	if _, err := q.Reserve(50); !IsQuotaExceeded(err) {
		t.Errorf("have %v, want %v", err, ErrQuotaExceeded)
	}

	q.ReleaseCommitted(60)

	if _, err := q.Reserve(50); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestQuotaSettleOnce(t *testing.T) {
	q := NewQuota(100, 100)

	res, err := q.Reserve(40)
	if err != nil {
		t.Fatal(err)
	}

	res.Promote(30)
	res.Release()
	res.Promote(30)

	reserved, committed := q.Usage()
	if have, want := reserved, int64(0); have != want {
		t.Errorf("have %d reserved, want %d", have, want)
	}
	if have, want := committed, int64(30); have != want {
		t.Errorf("have %d committed, want %d", have, want)
	}
}

func TestQuotaOverCapacityRestore(t *testing.T) {
	// A capacity reduction below the restored volume blocks admission but
	// must not corrupt the accounting.
	q := NewQuota(100, 100)
	q.AddCommitted(150)

	if _, err := q.Reserve(1); !IsQuotaExceeded(err) {
		t.Errorf("have %v, want %v", err, ErrQuotaExceeded)
	}

	q.ReleaseCommitted(100)

	if _, err := q.Reserve(50); err != nil {
		t.Errorf("reserve after reclaim: %v", err)
	}
}

func TestQuotaConcurrent(t *testing.T) {
	const (
		workers  = 32
		rounds   = 200
		capacity = int64(workers) * 10
	)

	q := NewQuota(capacity, 10)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for j := 0; j < rounds; j++ {
				res, err := q.Reserve(10)
				if err != nil {
					continue
				}

				reserved, committed := q.Usage()
				if reserved+committed > capacity {
					t.Errorf("admitted %d bytes over %d capacity", reserved+committed, capacity)
				}

				if j%2 == 0 {
					res.Promote(5)
					q.ReleaseCommitted(5)
				} else {
					res.Release()
				}
			}
		}(i)
	}
	wg.Wait()

	reserved, committed := q.Usage()
	if reserved != 0 || committed != 0 {
		t.Errorf("have %d reserved, %d committed after drain, want 0, 0", reserved, committed)
	}
}
