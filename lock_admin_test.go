package stockd

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLockAdmin(t *testing.T) (*LockAdmin, *Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLockAdmin(client, nil, nil), NewLocker(client, testLockConfig(), nil, nil), mr
}

func TestLockAdmin_ListLeases(t *testing.T) {
	admin, locker, _ := newTestLockAdmin(t)
	ctx := context.Background()

	l1, err := locker.Acquire(ctx, "stock:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	l2, err := locker.Acquire(ctx, "product:create:widget")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer locker.Release(l1)
	defer locker.Release(l2)

	leases, err := admin.ListLeases(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(leases) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(leases))
	}

	byResource := make(map[string]LeaseInfo)
	for _, l := range leases {
		byResource[l.Resource] = l
	}
	if got := byResource["stock:1"].Token; got != l1.Token {
		t.Errorf("expected token %q for stock:1, got %q", l1.Token, got)
	}
	if byResource["product:create:widget"].TTL <= 0 {
		t.Error("listed lease should carry a positive TTL")
	}
}

func TestLockAdmin_GetLeaseInfo(t *testing.T) {
	admin, locker, _ := newTestLockAdmin(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "stock:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer locker.Release(lease)

	info, err := admin.GetLeaseInfo(ctx, "stock:1")
	if err != nil {
		t.Fatalf("get lease info failed: %v", err)
	}
	if info.Token != lease.Token {
		t.Errorf("expected token %q, got %q", lease.Token, info.Token)
	}
	if info.LockKey != "lock:stock:1" {
		t.Errorf("unexpected lock key %q", info.LockKey)
	}

	_, err = admin.GetLeaseInfo(ctx, "stock:999")
	if !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}
}

func TestLockAdmin_ForceRelease(t *testing.T) {
	admin, locker, mr := newTestLockAdmin(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "stock:1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := admin.ForceRelease(ctx, "stock:1"); err != nil {
		t.Fatalf("force release failed: %v", err)
	}
	if mr.Exists("lock:stock:1") {
		t.Error("force release should delete the lease")
	}

	if err := admin.ForceRelease(ctx, "stock:1"); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound for an absent lease, got %v", err)
	}
}

func TestLockAdmin_CleanupPersistentLeases(t *testing.T) {
	admin, locker, mr := newTestLockAdmin(t)
	ctx := context.Background()

	// A healthy lease with a TTL
	lease, err := locker.Acquire(ctx, "stock:1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer locker.Release(lease)

	// A lease that lost its TTL, e.g. written by a manual SET
	mr.Set("lock:stock:2", "orphan-token")

	removed, err := admin.CleanupPersistentLeases(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed lease, got %d", removed)
	}
	if mr.Exists("lock:stock:2") {
		t.Error("persistent lease should be removed")
	}
	if !mr.Exists("lock:stock:1") {
		t.Error("healthy lease must survive cleanup")
	}
}
