package ports

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeRange finds n consecutive ports that nothing listens on.
func freeRange(t *testing.T, n int) int {
	t.Helper()
	for base := 41000; base < 60000; base += n {
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p))
			if err != nil {
				ok = false
				break
			}
			_ = ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Skip("no free port range available")
	return 0
}

func TestAllocateSkipsBoundPort(t *testing.T) {
	base := freeRange(t, 3)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(base))
	require.NoError(t, err)
	defer ln.Close()

	a := NewAllocator(base, base+2, 100*time.Millisecond)
	port, err := a.Allocate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, base+1, port)
}

func TestAllocateNeverHandsOutClaimedPort(t *testing.T) {
	base := freeRange(t, 4)
	a := NewAllocator(base, base+3, 50*time.Millisecond)

	var (
		mu  sync.Mutex
		got = map[int]bool{}
		wg  sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate(t.Context())
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if got[p] {
				t.Errorf("port %d handed out twice", p)
			}
			got[p] = true
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, a.Claimed())

	_, err := a.Allocate(t.Context())
	require.ErrorIs(t, err, ErrNoFreePort)

	a.Release(base + 2)
	p, err := a.Allocate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, base+2, p)
}

func TestCounterWrapsAround(t *testing.T) {
	base := freeRange(t, 2)
	a := NewAllocator(base, base+1, 50*time.Millisecond)

	first, err := a.Allocate(t.Context())
	require.NoError(t, err)
	second, err := a.Allocate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int{base, base + 1}, []int{first, second})

	a.Release(first)
	again, err := a.Allocate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, base, again)
}

func TestCancelledDialIsNotAFreePort(t *testing.T) {
	base := freeRange(t, 1)
	a := NewAllocator(base, base, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	busy, err := a.inUse(ctx, base)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, busy)

	_, err = a.Allocate(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.Claimed())
}

func TestSlowDialDoesNotHoldLock(t *testing.T) {
	a := NewAllocator(47400, 47400, 2*time.Second)
	// A non-routable address keeps the dial pending until the timeout.
	a.host = "10.255.255.1"

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Allocate(t.Context())
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	a.Release(47401)
	_ = a.Claimed()
	assert.Less(t, time.Since(start), time.Second)
	<-done
}
