package loop

import (
	"context"
	"sync"
	"testing"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"

	"gotest.tools/assert"
)

func running(t *testing.T) (*Loop, func()) {
	l := New(testoutput.Logger(t, "loop"))
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	return l, func() {
		cancel()
		<-l.Stopped()
	}
}

func TestOrdering(t *testing.T) {
	l, stop := running(t)
	defer stop()

	var seen []int
	for i := 0; i < 50; i++ {
		i := i
		assert.Assert(t, l.Post(func() { seen = append(seen, i) }))
	}
	assert.NilError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, len(seen), 50)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestDoFromManyGoroutines(t *testing.T) {
	l, stop := running(t)
	defer stop()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NilError(t, l.Do(context.Background(), func() { counter++ }))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, counter, 200)
}

func TestPanicRecovered(t *testing.T) {
	l, stop := running(t)
	defer stop()

	assert.NilError(t, l.Do(context.Background(), func() { panic("boom") }))
	ran := false
	assert.NilError(t, l.Do(context.Background(), func() { ran = true }))
	assert.Assert(t, ran)
}

func TestStopped(t *testing.T) {
	l, stop := running(t)
	stop()

	assert.Assert(t, !l.Post(func() {}))
	assert.Equal(t, l.Do(context.Background(), func() {}), ErrStopped)
	assert.ErrorContains(t, l.Run(context.Background()), "already run")
}
