// Package ioctx provides the completion-handler scheduler shared by sockets.
//
// Blocking work of an asynchronous operation runs on its own goroutine; its
// completion handler is queued on the IOContext and executed by whichever
// goroutine is inside Run. Run returns once no operation is outstanding.
package ioctx

import "sync"

// IOContext queues completion handlers and tracks outstanding work.
type IOContext struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	work    int
	running int
	stopped bool
}

// New creates an empty IOContext.
func New() *IOContext {
	c := &IOContext{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start registers one outstanding operation. The returned function must be
// called exactly once, with the handler to run when the operation completes.
func (c *IOContext) Start() func(handler func()) {
	c.mu.Lock()
	c.work++
	c.mu.Unlock()

	var once sync.Once
	return func(handler func()) {
		once.Do(func() {
			c.mu.Lock()
			c.queue = append(c.queue, handler)
			c.mu.Unlock()
			c.cond.Signal()
		})
	}
}

// Go runs op on a new goroutine and queues the handler it returns.
func (c *IOContext) Go(op func() func()) {
	complete := c.Start()
	go func() {
		complete(op())
	}()
}

// Post queues fn for execution by Run.
func (c *IOContext) Post(fn func()) {
	c.Start()(fn)
}

// Run executes queued handlers until there is no outstanding work or Stop
// is called. It returns the number of handlers executed.
func (c *IOContext) Run() int {
	n := 0
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.work > 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped || len(c.queue) == 0 {
			c.mu.Unlock()
			// Wake other runners so they can observe the same condition.
			c.cond.Broadcast()
			return n
		}
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.running++
		c.mu.Unlock()

		if fn != nil {
			fn()
		}
		n++

		c.mu.Lock()
		c.running--
		c.work--
		done := c.work == 0
		c.mu.Unlock()
		if done {
			c.cond.Broadcast()
		}
	}
}

// Stop makes every Run call return as soon as possible. Queued handlers are
// kept and run after Restart.
func (c *IOContext) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Stopped reports whether Stop was called since the last Restart.
func (c *IOContext) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Restart clears the stopped state.
func (c *IOContext) Restart() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
}

// Dispatching reports whether a handler is executing inside Run. Such a
// handler must not wait for other work on the same IOContext: that work
// counts the running handler as outstanding and cannot finish first.
func (c *IOContext) Dispatching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running > 0
}

// Outstanding returns the number of operations not yet completed.
func (c *IOContext) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.work
}
