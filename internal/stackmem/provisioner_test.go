package stackmem

import (
	"errors"
	"os"
	"sync"
	"testing"
)

// requireCode fails the test unless err is a *ProvisionError carrying code.
func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProvisionError, got %T: %v", err, err)
	}
	if pe.Code != code {
		t.Fatalf("expected error code %s, got %s: %v", code, pe.Code, err)
	}
}

func TestAllocate(t *testing.T) {
	p := NewProvisioner()

	t.Run("DefaultSize", func(t *testing.T) {
		r, err := p.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate(0) failed: %v", err)
		}
		defer p.Release(r)

		if r.ReservedSize() != DefaultStackSize {
			t.Errorf("reserved = %d, want default %d", r.ReservedSize(), DefaultStackSize)
		}
		if r.GuardSize() != p.PageSize() {
			t.Errorf("guard = %d, want one page (%d)", r.GuardSize(), p.PageSize())
		}
		if r.CommittedSize() != r.ReservedSize()-r.GuardSize() {
			t.Errorf("committed = %d, want reserved-guard = %d",
				r.CommittedSize(), r.ReservedSize()-r.GuardSize())
		}
		if r.State() != StateCommitted {
			t.Errorf("state = %s, want Committed", r.State())
		}
	})

	t.Run("Geometry64K", func(t *testing.T) {
		if os.Getpagesize() != 4096 {
			t.Skipf("needs 4KiB pages, have %d", os.Getpagesize())
		}

		r, err := p.Allocate(65536)
		if err != nil {
			t.Fatalf("Allocate(65536) failed: %v", err)
		}
		defer p.Release(r)

		if r.ReservedSize() != 65536 {
			t.Errorf("reserved = %d, want 65536", r.ReservedSize())
		}
		if r.CommittedSize() != 61440 {
			t.Errorf("committed = %d, want 61440", r.CommittedSize())
		}
		if r.GuardSize() != 4096 {
			t.Errorf("guard = %d, want 4096", r.GuardSize())
		}

		sp := r.InitialSP()
		if sp%16 != 0 {
			t.Errorf("initial SP %#x not 16-byte aligned", sp)
		}
		low, high := r.UsableRange()
		if sp < low || sp >= high {
			t.Errorf("initial SP %#x outside usable range [%#x, %#x)", sp, low, high)
		}
	})

	t.Run("Alignment", func(t *testing.T) {
		page := p.PageSize()
		r, err := p.Allocate(MinStackSize + 1)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		defer p.Release(r)

		if r.Base()%page != 0 {
			t.Errorf("base %#x not page-aligned", r.Base())
		}
		if r.ReservedSize()%page != 0 {
			t.Errorf("reserved %d not page-aligned", r.ReservedSize())
		}
		if want := alignUp(MinStackSize+1, page); r.ReservedSize() != want {
			t.Errorf("reserved = %d, want rounded %d", r.ReservedSize(), want)
		}
	})

	t.Run("SizeTooSmall", func(t *testing.T) {
		before := p.Stats()
		r, err := p.Allocate(uintptr(os.Getpagesize()))
		if err == nil {
			p.Release(r)
			t.Fatal("Allocate below minimum should fail")
		}
		requireCode(t, err, ErrSizeTooSmall)

		after := p.Stats()
		if after.BytesInUse != before.BytesInUse {
			t.Errorf("failed allocation changed bytes in use: %d -> %d",
				before.BytesInUse, after.BytesInUse)
		}
		if after.Failures != before.Failures+1 {
			t.Errorf("failure not counted: %d -> %d", before.Failures, after.Failures)
		}
	})

	t.Run("UsableMemoryWritable", func(t *testing.T) {
		r, err := p.Allocate(MinStackSize)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		defer p.Release(r)

		mem := r.Usable()
		if uintptr(len(mem)) != r.CommittedSize() {
			t.Fatalf("usable span = %d bytes, want committed %d", len(mem), r.CommittedSize())
		}
		for i := range mem {
			mem[i] = byte(i % 251)
		}
		for i := range mem {
			if mem[i] != byte(i%251) {
				t.Fatalf("data corruption at offset %d", i)
			}
		}
	})
}

func TestLifecycle(t *testing.T) {
	p := NewProvisioner()

	t.Run("ActiveBlocksRelease", func(t *testing.T) {
		r, err := p.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}

		if err := p.MarkActive(r); err != nil {
			t.Fatalf("MarkActive failed: %v", err)
		}
		if r.State() != StateActive {
			t.Fatalf("state = %s, want Active", r.State())
		}

		requireCode(t, p.Release(r), ErrStillActive)

		if err := p.MarkTerminated(r); err != nil {
			t.Fatalf("MarkTerminated failed: %v", err)
		}
		if err := p.Release(r); err != nil {
			t.Fatalf("Release after termination failed: %v", err)
		}
	})

	t.Run("ReleaseExactlyOnce", func(t *testing.T) {
		r, err := p.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if err := p.Release(r); err != nil {
			t.Fatalf("first Release failed: %v", err)
		}
		requireCode(t, p.Release(r), ErrAlreadyReleased)
		requireCode(t, p.Release(r), ErrAlreadyReleased)
	})

	t.Run("OutOfOrderTransitions", func(t *testing.T) {
		r, err := p.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		defer p.Release(r)

		// Terminating a never-activated stack is out of order.
		requireCode(t, p.MarkTerminated(r), ErrBadTransition)

		if err := p.MarkActive(r); err != nil {
			t.Fatalf("MarkActive failed: %v", err)
		}
		requireCode(t, p.MarkActive(r), ErrBadTransition)

		if err := p.MarkTerminated(r); err != nil {
			t.Fatalf("MarkTerminated failed: %v", err)
		}
	})

	t.Run("NilRegion", func(t *testing.T) {
		requireCode(t, p.Release(nil), ErrUnknownRegion)
		requireCode(t, p.MarkActive(nil), ErrUnknownRegion)
		requireCode(t, p.MarkTerminated(nil), ErrUnknownRegion)
	})

	t.Run("ForeignRegion", func(t *testing.T) {
		other := NewProvisioner()
		r, err := other.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		defer other.Release(r)

		requireCode(t, p.Release(r), ErrUnknownRegion)
	})
}

func TestLedgerRoundTrip(t *testing.T) {
	p := NewProvisioner()
	before := p.Stats()

	regions := make([]*StackRegion, 8)
	for i := range regions {
		r, err := p.Allocate(MinStackSize)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		regions[i] = r
	}

	mid := p.Stats()
	if want := before.BytesInUse + 8*uint64(MinStackSize); mid.BytesInUse != want {
		t.Errorf("bytes in use = %d, want %d", mid.BytesInUse, want)
	}
	if mid.LiveRegions != 8 {
		t.Errorf("live regions = %d, want 8", mid.LiveRegions)
	}

	for _, r := range regions {
		if err := p.Release(r); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	after := p.Stats()
	if after.BytesInUse != before.BytesInUse {
		t.Errorf("ledger not balanced: bytes in use %d -> %d", before.BytesInUse, after.BytesInUse)
	}
	if after.LiveRegions != 0 {
		t.Errorf("live regions = %d after full release", after.LiveRegions)
	}
	if after.Releases != before.Releases+8 {
		t.Errorf("releases = %d, want %d", after.Releases, before.Releases+8)
	}
}

func TestResetStats(t *testing.T) {
	p := NewProvisioner()

	r, err := p.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	p.ResetStats()
	s := p.Stats()
	if s.Allocations != 0 || s.Releases != 0 || s.Failures != 0 {
		t.Errorf("counters not reset: %+v", s)
	}
	if s.BytesInUse == 0 {
		t.Error("reset must not forget live reservations")
	}

	if err := p.Release(r); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if s := p.Stats(); s.BytesInUse != 0 {
		t.Errorf("bytes in use = %d after release", s.BytesInUse)
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	p := NewProvisioner()

	const workers = 8
	const rounds = 32

	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				r, err := p.Allocate(MinStackSize)
				if err != nil {
					errs <- err
					return
				}
				if err := p.MarkActive(r); err != nil {
					errs <- err
					return
				}
				r.Usable()[0] = 1
				if err := p.MarkTerminated(r); err != nil {
					errs <- err
					return
				}
				if err := p.Release(r); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent worker: %v", err)
	}

	if s := p.Stats(); s.BytesInUse != 0 || s.LiveRegions != 0 {
		t.Errorf("ledger not balanced after concurrent use: %+v", s)
	}
}

func TestDefaultProvisioner(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default must return the same instance")
	}

	r, err := Allocate(0)
	if err != nil {
		t.Fatalf("package-level Allocate failed: %v", err)
	}
	if err := Release(r); err != nil {
		t.Fatalf("package-level Release failed: %v", err)
	}
}

func BenchmarkAllocateRelease(b *testing.B) {
	p := NewProvisioner()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		r, err := p.Allocate(MinStackSize)
		if err != nil {
			b.Fatalf("Allocate failed: %v", err)
		}
		if err := p.Release(r); err != nil {
			b.Fatalf("Release failed: %v", err)
		}
	}
}

func BenchmarkCachedGetPut(b *testing.B) {
	p := NewProvisioner()
	c := NewStackCache(p)
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		r, err := c.Get(MinStackSize)
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
		if err := c.Put(r); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	if err := c.Purge(); err != nil {
		b.Fatalf("Purge failed: %v", err)
	}
}
