package lock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	total := 0

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "request:apr_1")
			if err != nil {
				t.Error(err)
				return
			}
			v := total
			time.Sleep(time.Microsecond)
			total = v + 1
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, total)
	assert.Zero(t, k.Held())
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := NewKeyed()
	releaseA, err := k.Acquire(context.Background(), "request:a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := k.Acquire(ctx, "request:b")
	require.NoError(t, err)
	assert.Equal(t, 2, k.Held())
	releaseB()
	assert.Equal(t, 1, k.Held())
}

func TestKeyed_AcquireHonoursContext(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "request:a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "request:a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.Held(), "abandoned waiter must not leak its slot")

	release()
	release()
	assert.Zero(t, k.Held())
}

func TestInstance_ExclusiveAndRecordsPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first, err := AcquireInstance(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	_, err = AcquireInstance(path)
	require.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "pid "+strconv.Itoa(os.Getpid()))

	require.NoError(t, first.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	second, err := AcquireInstance(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
	require.NoError(t, second.Release())
}

func TestInstance_ReleaseNil(t *testing.T) {
	var in *Instance
	assert.NoError(t, in.Release())
}

func TestAcquireInstance_MissingDirectory(t *testing.T) {
	_, err := AcquireInstance(filepath.Join(t.TempDir(), "nope", "daemon.lock"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}
