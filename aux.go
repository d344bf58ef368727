package dispatcher

import (
	"context"
	"sync"
)

// ExecAndWaitForEvent subscribes to event, registers a synchronous handler
// under the connection's dispatch lock so no delivery can be missed between
// registration and fn running, invokes fn, then blocks until match(args)
// reports true for some delivery of event or timeout elapses. Grounded on
// client.py's exec_and_wait_for_event.
func (c *Connection) ExecAndWaitForEvent(ctx context.Context, event string, match func(args any) bool, fn func() error) error {
	done := make(chan struct{})
	var once sync.Once

	c.mu.Lock()
	c.eventHandlers[event] = append(c.eventHandlers[event], &eventSub{
		sync: true,
		handler: func(_ string, args any) {
			if match(args) {
				once.Do(func() { close(done) })
			}
		},
	})
	c.mu.Unlock()

	if err := c.SubscribeEvents(event); err != nil {
		return err
	}
	defer c.UnsubscribeEvents(event)

	if err := fn(); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
}

// TestOrWaitForEvent returns immediately if initialCondition() already holds,
// otherwise behaves exactly like ExecAndWaitForEvent with a no-op fn.
// Grounded on client.py's test_or_wait_for_event.
func (c *Connection) TestOrWaitForEvent(ctx context.Context, event string, match func(args any) bool, initialCondition func() bool) error {
	if initialCondition() {
		return nil
	}
	return c.ExecAndWaitForEvent(ctx, event, match, func() error { return nil })
}

// SubmitTask issues task.submit(name, args) and returns the submitted task's
// id. Grounded on client.py's submit/call_task_async.
func (c *Connection) SubmitTask(ctx context.Context, name string, args []any) (string, error) {
	result, err := c.CallSync(ctx, "task.submit", []any{name, args}, nil)
	if err != nil {
		return "", err
	}
	id, _ := result.(string)
	return id, nil
}

// CallTaskAsync submits name(args) as a task and invokes callback once the
// task reaches a terminal status, passing the final task.status(id) result.
// Grounded on client.py's call_task_async.
func (c *Connection) CallTaskAsync(ctx context.Context, name string, args []any, callback func(status any, err error)) error {
	id, err := c.SubmitTask(ctx, name, args)
	if err != nil {
		return err
	}
	c.dispatchAsync(func() {
		status, err := c.waitTask(ctx, id)
		callback(status, err)
	})
	return nil
}

// CallTaskSync submits name(args) as a task, waits for it to finish, and
// returns its final status. Grounded on client.py's call_task_sync
// ("submit a task, wait on it, return its final status").
func (c *Connection) CallTaskSync(ctx context.Context, name string, args []any) (any, error) {
	id, err := c.SubmitTask(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return c.waitTask(ctx, id)
}

// waitTask blocks on task.wait(id) and then fetches the task's final status,
// matching the original's two-step submit/wait-then-status protocol.
func (c *Connection) waitTask(ctx context.Context, id string) (any, error) {
	if _, err := c.CallSync(ctx, "task.wait", []any{id}, nil); err != nil {
		return nil, err
	}
	return c.CallSync(ctx, "task.status", []any{id}, nil)
}

// Lock is a client handle to a named distributed lock exposed by the peer's
// lock.* RPC namespace. Grounded on client.py's ServerLockProxy.
type Lock struct {
	conn *Connection
	name string
}

// GetLock returns a handle for the named lock; no RPC is issued until
// Acquire/Release is called.
func (c *Connection) GetLock(name string) *Lock {
	return &Lock{conn: c, name: name}
}

// Acquire blocks until the lock is held.
func (l *Lock) Acquire(ctx context.Context) error {
	_, err := l.conn.CallSync(ctx, "lock.acquire", []any{l.name}, nil)
	return err
}

// Release releases a previously acquired lock.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.conn.CallSync(ctx, "lock.release", []any{l.name}, nil)
	return err
}

// Init asks the peer to create the named lock if it does not already exist,
// matching client.py's lock.init call issued by ServerLockProxy on first use.
func (l *Lock) Init(ctx context.Context) error {
	_, err := l.conn.CallSync(ctx, "lock.init", []any{l.name}, nil)
	return err
}

// --- plugin service/schema registration -----------------------------------

// RegisterService notifies the peer that this connection now serves name
// against the plugin registry. A no-op when ConnectionOptions.StandaloneServer
// is set, matching client.py's register_service exactly.
func (c *Connection) RegisterService(ctx context.Context, name string) error {
	if c.opts.standalone() {
		return nil
	}
	_, err := c.CallSync(ctx, "plugin.register_service", []any{name}, nil)
	return err
}

// UnregisterService reverses RegisterService.
func (c *Connection) UnregisterService(ctx context.Context, name string) error {
	if c.opts.standalone() {
		return nil
	}
	_, err := c.CallSync(ctx, "plugin.unregister_service", []any{name}, nil)
	return err
}

// ResumeService asks the peer to re-announce a previously registered
// service's schemas, used after a reconnect.
func (c *Connection) ResumeService(ctx context.Context, name string) error {
	if c.opts.standalone() {
		return nil
	}
	_, err := c.CallSync(ctx, "plugin.resume_service", []any{name}, nil)
	return err
}

// RegisterSchema publishes schema under name in the peer's schema registry.
func (c *Connection) RegisterSchema(ctx context.Context, name string, schema any) error {
	if c.opts.standalone() {
		return nil
	}
	_, err := c.CallSync(ctx, "plugin.register_schema", []any{name, schema}, nil)
	return err
}

// UnregisterSchema reverses RegisterSchema.
func (c *Connection) UnregisterSchema(ctx context.Context, name string) error {
	if c.opts.standalone() {
		return nil
	}
	_, err := c.CallSync(ctx, "plugin.unregister_schema", []any{name}, nil)
	return err
}
