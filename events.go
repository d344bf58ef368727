package dispatcher

import (
	"path"
	"regexp"
	"sync"
)

// EventHandler receives events delivered to a connection. name is the full
// dotted event name; args is the decoded payload.
type EventHandler func(name string, args any)

type eventSub struct {
	handler EventHandler
	sync    bool
	mu      sync.Mutex // serializes invocations of a sync handler
}

// eventMask is either an fnmatch-style wildcard or a compiled regular
// expression, per spec.md's "Event mask" glossary entry.
type eventMask struct {
	pattern string
	re      *regexp.Regexp // non-nil if this mask is a regex
}

func newWildcardMask(pattern string) eventMask { return eventMask{pattern: pattern} }

func newRegexMask(re *regexp.Regexp) eventMask { return eventMask{re: re} }

func (m eventMask) match(name string) bool {
	if m.re != nil {
		return m.re.MatchString(name)
	}
	ok, err := path.Match(m.pattern, name)
	return err == nil && ok
}

type eventEntry struct {
	name string
	args any
}

// subscriptionSet is the per-connection set of wildcard masks used to filter
// outbound broadcast events when this connection is the server side of a
// Server (spec.md's EventSubscription).
type subscriptionSet struct {
	mu    sync.Mutex
	masks []eventMask
}

func (s *subscriptionSet) subscribe(masks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range masks {
		s.masks = append(s.masks, newWildcardMask(m))
	}
}

func (s *subscriptionSet) unsubscribe(masks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.masks[:0]
	for _, existing := range s.masks {
		drop := false
		for _, m := range masks {
			if existing.pattern == m {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, existing)
		}
	}
	s.masks = kept
}

func (s *subscriptionSet) matches(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.masks {
		if m.match(name) {
			return true
		}
	}
	return false
}

// eventQueue is the single per-connection inbound delivery queue: a dedicated
// worker drains it and dispatches to registered handlers in order
// (spec.md §4.4.5 / §5).
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []eventEntry
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(entries ...eventEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, entries...)
	q.cond.Signal()
}

func (q *eventQueue) pop() (eventEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return eventEntry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// runEventWorker drains the queue and dispatches each event to every handler
// registered for its name (sync handlers serialize under their own lock,
// async handlers run on the dispatch worker pool) plus the connection-wide
// EventCallback. It exits when the queue is closed.
func (c *Connection) runEventWorker() {
	for {
		e, ok := c.events.pop()
		if !ok {
			return
		}
		c.mu.Lock()
		handlers := append([]*eventSub(nil), c.eventHandlers[e.name]...)
		cb := c.opts.EventCallback
		c.mu.Unlock()

		for _, sub := range handlers {
			sub := sub
			if sub.sync {
				sub.mu.Lock()
				sub.handler(e.name, e.args)
				sub.mu.Unlock()
			} else {
				c.dispatchAsync(func() { sub.handler(e.name, e.args) })
			}
		}
		if cb != nil {
			cb(e.name, e.args)
		}
	}
}

// RegisterEventHandler attaches h to be invoked for every delivered event
// named name. When sync is true, invocations of this particular handler are
// serialized under a handler-private lock; otherwise each invocation runs on
// the shared dispatch worker pool. Registration is atomic with respect to
// events already queued for delivery, which is what makes
// ExecAndWaitForEvent race-free.
func (c *Connection) RegisterEventHandler(name string, sync bool, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers[name] = append(c.eventHandlers[name], &eventSub{handler: h, sync: sync})
}

// SubscribeEvents tells the peer this connection wants to receive events
// matching any of masks.
func (c *Connection) SubscribeEvents(masks ...string) error {
	return c.sendNotification(nsEvents, nameSubscribe, masks)
}

// UnsubscribeEvents tells the peer to stop delivering events matching masks.
func (c *Connection) UnsubscribeEvents(masks ...string) error {
	return c.sendNotification(nsEvents, nameUnsubscribe, masks)
}

// AddRegexMask installs a compiled regular-expression mask on this
// connection's subscription set. The wire protocol's events/subscribe only
// ever carries wildcard strings (spec.md §4.4.5), so this is how server-side
// application code installs the other half of the "Event mask" glossary
// entry, mirroring the original ServerConnection.event_masks, which could
// also hold a compiled re.Pattern alongside plain fnmatch strings.
func (c *Connection) AddRegexMask(re *regexp.Regexp) {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	c.subs.masks = append(c.subs.masks, newRegexMask(re))
}

// RemoveRegexMask uninstalls every regex mask previously added with an
// equivalent pattern string.
func (c *Connection) RemoveRegexMask(re *regexp.Regexp) {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	kept := c.subs.masks[:0]
	for _, existing := range c.subs.masks {
		if existing.re != nil && existing.re.String() == re.String() {
			continue
		}
		kept = append(kept, existing)
	}
	c.subs.masks = kept
}

// Subscriptions exposes the local subscription set this Connection applies
// when acting as the server side of a Server's broadcast (spec.md §4.5). It
// is populated from inbound events/subscribe and events/unsubscribe
// messages sent by the peer.
func (c *Connection) Subscriptions() *subscriptionSet { return c.subs }

// EmitEvent publishes name/args to the peer as a single events/event
// message, or buffers it for the next FlushEvents call if burst mode is
// enabled (ConnectionOptions.Burst).
func (c *Connection) EmitEvent(name string, args any) error {
	eventsEmittedCount.Add(1)
	c.mu.Lock()
	burst := c.opts.Burst
	if burst {
		c.burstBuf = append(c.burstBuf, eventArgs{Name: name, Args: args})
		flush := len(c.burstBuf) >= c.opts.burstMaxBatch()
		c.mu.Unlock()
		if flush {
			return c.FlushEvents()
		}
		return nil
	}
	c.mu.Unlock()
	return c.sendNotification(nsEvents, nameEvent, map[string]any{"name": name, "args": args})
}

// FlushEvents sends any events buffered by burst mode as a single
// events/event_burst message, preserving the per-sender order in which they
// were emitted (Design Notes §9 / Open Questions #2).
func (c *Connection) FlushEvents() error {
	c.mu.Lock()
	buf := c.burstBuf
	c.burstBuf = nil
	c.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	events := make([]any, len(buf))
	for i, e := range buf {
		events[i] = map[string]any{"name": e.Name, "args": e.Args}
	}
	return c.sendNotification(nsEvents, nameEventBurst, map[string]any{"events": events})
}

// Logout sends an events/logout message, telling the peer this session is
// terminating from the server side.
func (c *Connection) Logout() error {
	return c.sendNotification(nsEvents, nameLogout, nil)
}
