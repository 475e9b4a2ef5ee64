package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len(), "released keys are dropped")
}

func TestTryLock(t *testing.T) {
	l := New()
	unlock, ok := l.TryLock("run-1")
	require.True(t, ok)

	_, ok = l.TryLock("run-1")
	assert.False(t, ok, "held key is refused")

	other, ok := l.TryLock("run-2")
	require.True(t, ok)
	other()

	unlock()
	again, ok := l.TryLock("run-1")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, l.Len())
}
