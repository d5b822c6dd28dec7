package rv

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRepoLocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("second acquire waits for release", func(t *testing.T) {
		locks := newRepoLocks()
		ctx := context.Background()

		release, err := locks.acquire(ctx, "fedora")
		if err != nil {
			t.Fatalf("acquire() error = %v", err)
		}

		acquired := make(chan struct{})
		go func() {
			r, err := locks.acquire(ctx, "fedora")
			if err == nil {
				r()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("second acquire() did not wait")
		case <-time.After(20 * time.Millisecond):
		}

		release()
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("second acquire() did not proceed after release")
		}
	})

	t.Run("repositories lock independently", func(t *testing.T) {
		locks := newRepoLocks()
		ctx := context.Background()

		r1, err := locks.acquire(ctx, "fedora")
		if err != nil {
			t.Fatalf("acquire(fedora) error = %v", err)
		}
		defer r1()

		r2, err := locks.acquire(ctx, "centos")
		if err != nil {
			t.Fatalf("acquire(centos) error = %v", err)
		}
		r2()
	})

	t.Run("wait honours cancellation", func(t *testing.T) {
		locks := newRepoLocks()

		release, err := locks.acquire(context.Background(), "fedora")
		if err != nil {
			t.Fatalf("acquire() error = %v", err)
		}
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err = locks.acquire(ctx, "fedora")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("acquire() error = %v, want DeadlineExceeded", err)
		}
	})

	t.Run("cancelled context never takes the lock", func(t *testing.T) {
		locks := newRepoLocks()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := locks.acquire(ctx, "fedora"); !errors.Is(err, context.Canceled) {
			t.Errorf("acquire() error = %v, want Canceled", err)
		}

		release, err := locks.acquire(context.Background(), "fedora")
		if err != nil {
			t.Fatalf("acquire() after cancelled attempt error = %v", err)
		}
		release()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		locks := newRepoLocks()
		ctx := context.Background()

		release, err := locks.acquire(ctx, "fedora")
		if err != nil {
			t.Fatalf("acquire() error = %v", err)
		}
		release()
		release()

		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		r, err := locks.acquire(ctx, "fedora")
		if err != nil {
			t.Fatalf("acquire() after double release error = %v", err)
		}
		r()
	})

	t.Run("idle entries are dropped", func(t *testing.T) {
		locks := newRepoLocks()

		for _, name := range []string{"fedora", "centos", "no-such-repository"} {
			release, err := locks.acquire(context.Background(), name)
			if err != nil {
				t.Fatalf("acquire(%s) error = %v", name, err)
			}
			release()
		}

		held, err := locks.acquire(context.Background(), "fedora")
		if err != nil {
			t.Fatalf("acquire() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := locks.acquire(ctx, "fedora"); err == nil {
			t.Fatal("acquire() of a held lock succeeded")
		}
		if got := locks.size(); got != 1 {
			t.Errorf("size() while held = %d, want 1", got)
		}

		held()
		if got := locks.size(); got != 0 {
			t.Errorf("size() when idle = %d, want 0", got)
		}
	})

	t.Run("entry survives while a waiter is queued", func(t *testing.T) {
		locks := newRepoLocks()
		ctx := context.Background()

		release, err := locks.acquire(ctx, "fedora")
		if err != nil {
			t.Fatalf("acquire() error = %v", err)
		}

		got := make(chan func(), 1)
		go func() {
			r, err := locks.acquire(ctx, "fedora")
			if err != nil {
				t.Errorf("waiting acquire() error = %v", err)
				r = func() {}
			}
			got <- r
		}()
		time.Sleep(10 * time.Millisecond)

		release()
		select {
		case r := <-got:
			if n := locks.size(); n != 1 {
				t.Errorf("size() with new holder = %d, want 1", n)
			}
			r()
		case <-time.After(time.Second):
			t.Fatal("waiter never took the lock")
		}
		if n := locks.size(); n != 0 {
			t.Errorf("size() when idle = %d, want 0", n)
		}
	})
}
