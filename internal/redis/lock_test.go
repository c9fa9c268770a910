package redisclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (Locker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisDoctorLocker(client, ttl), srv, client
}

func TestWithDoctorLockRunsAndReleases(t *testing.T) {
	locker, srv, _ := newTestLocker(t, 5*time.Second)
	doctorID := uuid.New()
	key := fmt.Sprintf("lock:doctor:%s", doctorID)

	ran := false
	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		ran = true
		assert.True(t, srv.Exists(key), "lock key held inside the section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, srv.Exists(key), "lock released on exit")
}

func TestWithDoctorLockHeldElsewhere(t *testing.T) {
	locker, srv, _ := newTestLocker(t, 5*time.Second)
	doctorID := uuid.New()

	require.NoError(t, srv.Set(fmt.Sprintf("lock:doctor:%s", doctorID), "someone-else"))

	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestWithDoctorLockPerDoctor(t *testing.T) {
	locker, _, _ := newTestLocker(t, 5*time.Second)
	a, b := uuid.New(), uuid.New()

	err := locker.WithDoctorLock(context.Background(), a, func(ctx context.Context) error {
		// A second doctor's lock is independent.
		return locker.WithDoctorLock(ctx, b, func(ctx context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestWithDoctorLockDoesNotReleaseForeignToken(t *testing.T) {
	locker, srv, _ := newTestLocker(t, 50*time.Millisecond)
	doctorID := uuid.New()
	key := fmt.Sprintf("lock:doctor:%s", doctorID)

	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		// The TTL expires mid-section and another process grabs the lock.
		srv.FastForward(100 * time.Millisecond)
		require.NoError(t, srv.Set(key, "other-holder"))
		return nil
	})
	require.NoError(t, err)

	// The compare-and-delete script must leave the new holder's lock alone.
	got, err := srv.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}

func TestWithDoctorLockPropagatesSectionError(t *testing.T) {
	locker, srv, _ := newTestLocker(t, 5*time.Second)
	doctorID := uuid.New()

	wantErr := fmt.Errorf("allocation failed")
	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, srv.Exists(fmt.Sprintf("lock:doctor:%s", doctorID)), "lock released on error too")
}

func TestWithDoctorLockBoundsSection(t *testing.T) {
	locker, _, _ := newTestLocker(t, 50*time.Millisecond)
	doctorID := uuid.New()

	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "section context carries the TTL deadline")
		assert.LessOrEqual(t, time.Until(deadline), 50*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}
