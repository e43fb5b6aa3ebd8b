package dedup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCallersShareOneCall(t *testing.T) {
	d := New()

	var calls int64
	fn := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return "payload", nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Execute("bybit:klines:BTCUSDT:1m:0", fn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "payload", results[i])
	}
}

func TestFailurePropagatesToJoiners(t *testing.T) {
	d := New()
	boom := errors.New("upstream 500")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		d.Execute("k", func() (any, error) {
			close(started)
			<-release
			return nil, boom
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute("k", func() (any, error) { return "never", nil })
		done <- err
	}()
	close(release)

	assert.ErrorIs(t, <-done, boom)
}

func TestEntryDroppedAfterSettle(t *testing.T) {
	d := New()

	var calls int64
	fn := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, nil
	}

	_, _ = d.Execute("k", fn)
	_, _ = d.Execute("k", fn)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	d := New()
	v1, err1 := d.Execute("a", func() (any, error) { return 1, nil })
	v2, err2 := d.Execute("b", func() (any, error) { return 2, nil })
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}
