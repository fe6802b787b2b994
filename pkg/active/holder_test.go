package active

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ruleset struct {
	generation int
}

func TestSwapReturnsPrevious(t *testing.T) {
	h := NewHolder[ruleset]()
	assert.Nil(t, h.Current())

	first := &ruleset{generation: 1}
	assert.Nil(t, h.Swap(first))
	assert.Same(t, first, h.Current())

	second := &ruleset{generation: 2}
	assert.Same(t, first, h.Swap(second))
	assert.Same(t, second, h.Current())

	// Explicit clear.
	assert.Same(t, second, h.Swap(nil))
	assert.Nil(t, h.Current())
}

func TestCompareAndSwap(t *testing.T) {
	h := NewHolder[ruleset]()
	a := &ruleset{generation: 1}
	b := &ruleset{generation: 2}

	require.True(t, h.CompareAndSwap(nil, a))
	require.False(t, h.CompareAndSwap(nil, b))
	require.True(t, h.CompareAndSwap(a, b))
	assert.Same(t, b, h.Current())
}

// Concurrent readers must observe exactly one of the swapped values, never
// an intermediate, asserted by reference identity.
func TestSwapAtomicityUnderConcurrency(t *testing.T) {
	h := NewHolder[ruleset]()
	pre := &ruleset{generation: 1}
	post := &ruleset{generation: 2}
	h.Swap(pre)

	const readers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	torn := make(chan *ruleset, readers*1000)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 1000; j++ {
				got := h.Current()
				if got != pre && got != post {
					torn <- got
					return
				}
			}
		}()
	}

	close(start)
	h.Swap(post)
	wg.Wait()
	close(torn)

	for got := range torn {
		t.Fatalf("reader observed unexpected reference %v", got)
	}
	assert.Same(t, post, h.Current())
}
