package ioctx

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsWithoutWork(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.Run())
}

func TestPostRunsInOrder(t *testing.T) {
	c := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		c.Post(func() { order = append(order, i) })
	}
	require.Equal(t, 5, c.Outstanding())
	assert.Equal(t, 5, c.Run())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, c.Outstanding())
}

func TestGoWaitsForCompletion(t *testing.T) {
	c := New()
	release := make(chan struct{})
	var ran atomic.Bool
	c.Go(func() func() {
		<-release
		return func() { ran.Store(true) }
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	assert.Equal(t, 1, c.Run())
	assert.True(t, ran.Load())
}

func TestHandlerMayStartMoreWork(t *testing.T) {
	c := New()
	n := 0
	var step func()
	step = func() {
		n++
		if n < 3 {
			c.Go(func() func() { return step })
		}
	}
	c.Post(step)
	assert.Equal(t, 3, c.Run())
	assert.Equal(t, 3, n)
}

func TestStartCompletesOnce(t *testing.T) {
	c := New()
	complete := c.Start()
	calls := 0
	complete(func() { calls++ })
	complete(func() { calls++ })
	c.Run()
	assert.Equal(t, 1, calls)
}

func TestStopAndRestart(t *testing.T) {
	c := New()
	complete := c.Start()

	done := make(chan int)
	go func() { done <- c.Run() }()
	c.Stop()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.True(t, c.Stopped())

	complete(func() {})
	c.Restart()
	assert.False(t, c.Stopped())
	assert.Equal(t, 1, c.Run())
}

func TestDispatching(t *testing.T) {
	c := New()
	assert.False(t, c.Dispatching())

	var inside bool
	c.Post(func() { inside = c.Dispatching() })
	c.Run()
	assert.True(t, inside)
	assert.False(t, c.Dispatching())
}
