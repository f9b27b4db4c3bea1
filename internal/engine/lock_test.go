package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/procflow/internal/store"
)

func TestInstanceLocks_SerializeSameHandle(t *testing.T) {
	l := newInstanceLocks()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(store.Handle(1))
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len(), "released locks should be dropped")
}

func TestInstanceLocks_IndependentHandles(t *testing.T) {
	l := newInstanceLocks()

	unlock1 := l.Lock(store.Handle(1))
	done := make(chan struct{})
	go func() {
		unlock2 := l.Lock(store.Handle(2))
		unlock2()
		close(done)
	}()
	<-done

	assert.Equal(t, 1, l.Len())
	unlock1()
	assert.Equal(t, 0, l.Len())
}
