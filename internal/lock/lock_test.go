package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

func newManager(t *testing.T, clk clock.Clock) (*Manager, string) {
	t.Helper()
	resource := filepath.Join(t.TempDir(), ".cleo", "tasks.db")
	m := New(Config{TTL: time.Minute, PollInterval: 10 * time.Millisecond, Clock: clk})
	return m, resource
}

func TestAcquireRelease(t *testing.T) {
	m, resource := newManager(t, nil)

	h, err := m.Acquire(context.Background(), resource, time.Second, -1)
	require.NoError(t, err)
	assert.Equal(t, LockPath(resource), h.Path())
	assert.Equal(t, resource, h.Record().Resource)
	assert.Equal(t, os.Getpid(), h.Record().PID)
	assert.NotEmpty(t, h.Record().HolderID)

	rec, err := readRecord(h.Path())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, h.Record().HolderID, rec.HolderID)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "second release is a no-op")

	// The lock file stays; its record is cleared.
	info, err := os.Stat(h.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSecondAcquirerTimesOut(t *testing.T) {
	m, resource := newManager(t, nil)
	ctx := context.Background()

	first, err := m.Acquire(ctx, resource, time.Second, -1)
	require.NoError(t, err)
	defer first.Release()

	start := time.Now()
	_, err = m.Acquire(ctx, resource, 100*time.Millisecond, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrLockTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	var lerr *types.LockError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, LockPath(resource), lerr.LockFile)
	require.NotNil(t, lerr.Holder)
	assert.Equal(t, first.Record().HolderID, lerr.Holder.HolderID)
	assert.GreaterOrEqual(t, lerr.Attempts, 1)
}

func TestMaxRetriesZeroFailsImmediately(t *testing.T) {
	m, resource := newManager(t, nil)
	ctx := context.Background()

	first, err := m.Acquire(ctx, resource, time.Second, -1)
	require.NoError(t, err)
	defer first.Release()

	_, err = m.Acquire(ctx, resource, time.Hour, 0)
	var lerr *types.LockError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 1, lerr.Attempts)
}

func TestConcurrentAcquirers(t *testing.T) {
	m, resource := newManager(t, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		timeouts int
		hold     = make(chan struct{})
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(ctx, resource, 200*time.Millisecond, -1)
			mu.Lock()
			if err != nil {
				if errors.Is(err, types.ErrLockTimeout) {
					timeouts++
				}
				mu.Unlock()
				return
			}
			wins++
			mu.Unlock()
			<-hold
			h.Release()
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return wins+timeouts == 2
	}, 5*time.Second, 10*time.Millisecond)
	close(hold)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, timeouts)
}

func TestWaiterAcquiresAfterRelease(t *testing.T) {
	m, resource := newManager(t, nil)
	ctx := context.Background()

	first, err := m.Acquire(ctx, resource, time.Second, -1)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release()
	}()

	second, err := m.Acquire(ctx, resource, 5*time.Second, -1)
	require.NoError(t, err)
	assert.NotEqual(t, first.Record().HolderID, second.Record().HolderID)
	require.NoError(t, second.Release())
}

func TestReclaimsRecordOfDeadHolder(t *testing.T) {
	m, resource := newManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(resource), 0o755))

	// A crashed holder leaves its record behind but no OS lock.
	stale := types.LockRecord{
		HolderID:   "dead-holder",
		PID:        999999,
		Resource:   resource,
		AcquiredAt: time.Now().Add(-time.Hour),
		ExpiresAt:  time.Now().Add(-30 * time.Minute),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(resource), data, 0o644))

	h, err := m.Acquire(context.Background(), resource, time.Second, -1)
	require.NoError(t, err)
	defer h.Release()
	assert.NotEqual(t, "dead-holder", h.Record().HolderID)

	rec, err := readRecord(LockPath(resource))
	require.NoError(t, err)
	assert.Equal(t, h.Record().HolderID, rec.HolderID)
}

func TestExpiredButHeldStillTimesOut(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m, resource := newManager(t, clk)
	ctx := context.Background()

	first, err := m.Acquire(ctx, resource, time.Second, -1)
	require.NoError(t, err)
	defer first.Release()

	clk.Advance(2 * time.Hour)
	rec := first.Record()
	require.True(t, rec.Expired(clk.Now()))

	_, err = m.Acquire(ctx, resource, 50*time.Millisecond, -1)
	var lerr *types.LockError
	require.True(t, errors.As(err, &lerr))
	require.NotNil(t, lerr.Holder)
	assert.Equal(t, first.Record().HolderID, lerr.Holder.HolderID)
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	m, resource := newManager(t, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.Do(ctx, resource, time.Second, -1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = m.Do(ctx, resource, time.Second, -1, func(context.Context) error { panic("bad") })
	})

	h, err := m.Acquire(ctx, resource, 100*time.Millisecond, 0)
	require.NoError(t, err, "lock must be free after Do returns")
	require.NoError(t, h.Release())
}

func TestAcquireCancelled(t *testing.T) {
	m, resource := newManager(t, nil)

	first, err := m.Acquire(context.Background(), resource, time.Second, -1)
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, resource, 0, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatus(t *testing.T) {
	m, resource := newManager(t, nil)

	rec, err := m.Status(resource)
	require.NoError(t, err)
	assert.Nil(t, rec, "no lock file")

	h, err := m.Acquire(context.Background(), resource, time.Second, -1)
	require.NoError(t, err)

	rec, err = m.Status(resource)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, h.Record().HolderID, rec.HolderID)

	require.NoError(t, h.Release())
	rec, err = m.Status(resource)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStatusSkipsProbeWithoutRecord(t *testing.T) {
	m, resource := newManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(resource), 0o755))

	// Another party holds the OS lock but has written no record yet.
	f, err := os.OpenFile(LockPath(resource), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, lockFile(f))
	defer unlockFile(f)

	rec, err := m.Status(resource)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStatusStaleRecordIsFree(t *testing.T) {
	m, resource := newManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(resource), 0o755))

	data, err := json.Marshal(types.LockRecord{HolderID: "dead-holder", PID: 999999, Resource: resource})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(resource), data, 0o644))

	rec, err := m.Status(resource)
	require.NoError(t, err)
	assert.Nil(t, rec)

	h, err := m.Acquire(context.Background(), resource, time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-5))
}
