package delivery

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopPreservesPostOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	for i := range 1000 {
		l.Post(func() { got = append(got, i) })
	}
	l.Close()

	assert.Len(t, got, 1000)
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d delivered %d", i, v)
		}
	}
}

func TestLoopRunsOneAtATime(t *testing.T) {
	l := NewLoop()
	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				l.Post(func() {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					runtime.Gosched()
					running.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	l.Close()
	assert.False(t, overlap.Load())
}

func TestLoopDropsAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()
	l.Close()
	ran := false
	l.Post(func() { ran = true })
	assert.False(t, ran)
}

func TestInline(t *testing.T) {
	ran := false
	Inline{}.Post(func() { ran = true })
	assert.True(t, ran)
}
