package eventloop

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRunsInOrderOnLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(0)
	go l.Run(ctx)

	var seen []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		l.Post(func() {
			defer wg.Done()
			seen = append(seen, i)
		})
	}
	wg.Wait()

	var n int
	require.NoError(t, l.Call(func() { n = len(seen) }))
	assert.Equal(t, 100, n)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestCallAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(1)
	go l.Run(ctx)
	cancel()
	<-l.Done()

	assert.ErrorIs(t, l.Call(func() {}), ErrStopped)
	l.Post(func() {})
}
