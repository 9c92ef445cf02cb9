package reqguard

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkheadCapsInFlight(t *testing.T) {
	var rejected []string

	b := NewBulkhead(2, &Hooks{OnBulkheadFull: func(key string) { rejected = append(rejected, key) }})

	require.NoError(t, b.Acquire("GET /a"))
	require.NoError(t, b.Acquire("GET /b"))
	assert.True(t, b.Full())
	assert.Equal(t, 2, b.InFlight())

	require.ErrorIs(t, b.Acquire("GET /c"), ErrBulkheadFull)
	assert.Equal(t, []string{"GET /c"}, rejected)

	b.Release()
	assert.False(t, b.Full())
	require.NoError(t, b.Acquire("GET /c"))
}

func TestBulkheadMinimumCapacity(t *testing.T) {
	b := NewBulkhead(0, nil)

	require.NoError(t, b.Acquire("k"))
	require.ErrorIs(t, b.Acquire("k"), ErrBulkheadFull)
}

func TestBulkheadConcurrentAcquire(t *testing.T) {
	b := NewBulkhead(8, nil)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)

	for range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if b.Acquire("k") == nil {
				admitted.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(8), admitted.Load())
	assert.Equal(t, 8, b.InFlight())
}

func TestBulkheadFullErrorIsRateLimit(t *testing.T) {
	ce := bulkheadFullError(testRC())

	assert.Equal(t, KindRateLimit, ce.Kind)
	assert.False(t, ce.Recoverable)
	require.ErrorIs(t, ce, ErrBulkheadFull)
	assert.Equal(t, "/items", ce.Context.Endpoint)
	assert.False(t, fastRetry(3).Retryable(ce))
}
