package graph

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Node is a handle for one path in the synchronized graph. Handles are
// cheap and stateless; all shared state lives on the Client.
type Node struct {
	c    *Client
	path string
}

// Get returns the child node under this path.
func (n *Node) Get(name string) *Node {
	return &Node{c: n.c, path: n.path + "/" + name}
}

// Path returns the slash-joined path of this node.
func (n *Node) Path() string { return n.path }

// Insert adds a value to the set at this path and returns the delivery
// identifier minted for the insertion. The put is fire-and-forget: it is
// echoed to local subscribers immediately and forwarded to the relay,
// which fans it back out to every subscriber (this client included).
func (n *Node) Insert(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("graph: marshal value: %w", err)
	}
	id := uuid.NewString()
	if n.c.replica != nil {
		if err := n.c.replica.Put(n.path, id, raw); err != nil {
			return "", fmt.Errorf("graph: persist value: %w", err)
		}
	}
	n.c.enqueue(frame{Op: opPut, Path: n.path, ID: id, Value: raw})
	n.c.deliver(delivery{path: n.path, id: id, value: raw})
	return id, nil
}

// ForEachAndOnChange subscribes fn to every current and future member of
// the set at this path. Replica contents are replayed first, then the
// relay streams the live set; the same identifier may be observed more
// than once and callers are expected to deduplicate. fn always runs on
// the client's dispatch goroutine.
func (n *Node) ForEachAndOnChange(fn func(value []byte, id string)) *Subscription {
	c := n.c

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[n.path] == nil {
		c.subs[n.path] = make(map[uint64]func([]byte, string))
	}
	c.subs[n.path][id] = fn
	c.mu.Unlock()

	if c.replica != nil {
		entries, err := c.replica.Entries(n.path)
		if err == nil {
			for _, e := range entries {
				c.deliver(delivery{path: n.path, id: e.ID, value: e.Value})
			}
		}
	}
	c.enqueue(frame{Op: opSub, Path: n.path})

	return &Subscription{c: c, path: n.path, id: id}
}

// Subscription is a live feed registration; Cancel stops future
// callbacks. Cancellation is not synchronous with respect to deliveries
// already queued on the dispatch loop.
type Subscription struct {
	c    *Client
	path string
	id   uint64
}

// Cancel unregisters the subscription. When the last subscription for a
// path goes away the relay is told to stop streaming it.
func (s *Subscription) Cancel() {
	c := s.c
	c.mu.Lock()
	delete(c.subs[s.path], s.id)
	last := len(c.subs[s.path]) == 0
	if last {
		delete(c.subs, s.path)
	}
	c.mu.Unlock()
	if last {
		c.enqueue(frame{Op: opUnsub, Path: s.path})
	}
}
