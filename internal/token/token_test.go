package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStartsNotCancelled(t *testing.T) {
	reg := NewRegistry()

	h := reg.Create()

	assert.NotEqual(t, None, h)
	assert.False(t, reg.IsCancelled(h))
	assert.Equal(t, 1, reg.Live())
}

func TestHandlesAreNeverReused(t *testing.T) {
	reg := NewRegistry()

	seen := make(map[Handle]bool)
	for i := 0; i < 100; i++ {
		h := reg.Create()
		assert.False(t, seen[h], "handle %d allocated twice", h)
		seen[h] = true
		require.NoError(t, reg.Release(h))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	h := reg.Create()

	require.NoError(t, reg.Cancel(h))
	require.NoError(t, reg.Cancel(h))

	assert.True(t, reg.IsCancelled(h))
}

func TestCancelIsMonotonicUnderConcurrency(t *testing.T) {
	reg := NewRegistry()
	h := reg.Create()

	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 1000; j++ {
				assert.NoError(t, reg.Cancel(h))
			}
		}()
	}

	// Readers race the writers; once they observe true it must stay true.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cancelled := false
			for j := 0; j < 5000; j++ {
				now := reg.IsCancelled(h)
				if cancelled && !now {
					t.Error("cancellation flag reverted to false")
					return
				}
				if now {
					cancelled = true
				}
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.True(t, reg.IsCancelled(h))
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	reg := NewRegistry()
	h := reg.Create()

	require.NoError(t, reg.Release(h))

	assert.Equal(t, 0, reg.Live())
	assert.ErrorIs(t, reg.Cancel(h), ErrReleased)
}

func TestDoubleReleaseIsAnError(t *testing.T) {
	reg := NewRegistry()
	h := reg.Create()

	require.NoError(t, reg.Release(h))

	err := reg.Release(h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestReleaseOfUnknownHandleIsAnError(t *testing.T) {
	reg := NewRegistry()
	reg.Create()

	err := reg.Release(Handle(999))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestNoneHandleReadsNotCancelled(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.IsCancelled(None))
	assert.ErrorIs(t, reg.Cancel(None), ErrUnknown)
	assert.ErrorIs(t, reg.Release(None), ErrUnknown)
}

func TestPollOfReleasedHandlePanics(t *testing.T) {
	reg := NewRegistry()
	h := reg.Create()
	require.NoError(t, reg.Release(h))

	assert.Panics(t, func() { reg.IsCancelled(h) })
}

func TestCancelDoesNotAffectOtherTokens(t *testing.T) {
	reg := NewRegistry()
	a := reg.Create()
	b := reg.Create()

	require.NoError(t, reg.Cancel(a))

	assert.True(t, reg.IsCancelled(a))
	assert.False(t, reg.IsCancelled(b))
}
