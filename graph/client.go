// Package graph is a thin client for a mesh-synchronized graph store
// reached over public relay peers. It owns the wire connection, local
// replica and subscription fan-out; merge semantics and conflict
// resolution live on the relay side and are not reimplemented here.
// Delivery to subscribers is at-least-once and carries no cross-peer
// ordering guarantee.
package graph

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	sendBufferSize  = 256
	eventBufferSize = 1024

	maxBackoff = 30 * time.Second
)

// Client multiplexes one relay connection across any number of node
// subscriptions. All subscriber callbacks run on a single dispatch
// goroutine, so deliveries observed by one subscription are serialized
// in local arrival order.
type Client struct {
	peers   []string
	replica *Replica

	mu      sync.Mutex
	subs    map[string]map[uint64]func(value []byte, id string)
	nextSub uint64

	sendCh chan frame
	events chan delivery

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Client before it starts connecting.
type Option func(*Client)

// WithReplica attaches a local replica; inbound puts are persisted to it
// and subscriptions replay its contents before any network delivery.
func WithReplica(r *Replica) Option {
	return func(c *Client) { c.replica = r }
}

// Open starts a client against the given relay peers. Connecting happens
// in the background with retry, so Open succeeds even while every peer is
// unreachable; puts issued meanwhile are buffered or dropped, never
// blocked on.
func Open(peers []string, opts ...Option) (*Client, error) {
	if len(peers) == 0 {
		return nil, errors.New("graph: at least one relay peer is required")
	}
	c := &Client{
		peers:  peers,
		subs:   make(map[string]map[uint64]func([]byte, string)),
		sendCh: make(chan frame, sendBufferSize),
		events: make(chan delivery, eventBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(2)
	go c.connectLoop()
	go c.dispatchLoop()
	return c, nil
}

// Get returns the root-level node with the given name.
func (c *Client) Get(name string) *Node {
	return &Node{c: c, path: name}
}

// Close stops the connect and dispatch loops. Callbacks already queued
// may still fire while Close is in flight; subscribers are expected to
// tolerate that.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *Client) connectLoop() {
	defer c.wg.Done()
	backoff := time.Second
	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		peer := c.peers[attempt%len(c.peers)]
		attempt++
		conn, _, err := websocket.DefaultDialer.Dial(peer, nil)
		if err != nil {
			log.Debug().Err(err).Str("peer", peer).Msg("[graph] dial relay")
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		log.Info().Str("peer", peer).Msg("[graph] connected to relay")

		c.resubscribe(conn)

		connDone := make(chan struct{})
		go c.writeLoop(conn, connDone)
		c.readLoop(conn)
		close(connDone)
		_ = conn.Close()

		select {
		case <-c.done:
			return
		default:
			log.Warn().Str("peer", peer).Msg("[graph] relay connection lost, reconnecting")
		}
	}
}

// resubscribe replays sub frames for every registered path after a
// (re)connect. The relay answers with the full path set, which is where
// most duplicate deliveries come from.
func (c *Client) resubscribe(conn *websocket.Conn) {
	c.mu.Lock()
	paths := make([]string, 0, len(c.subs))
	for p := range c.subs {
		paths = append(paths, p)
	}
	c.mu.Unlock()
	for _, p := range paths {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame{Op: opSub, Path: p}); err != nil {
			log.Debug().Err(err).Str("path", p).Msg("[graph] resubscribe")
			return
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		// Closing the conn is what unblocks readLoop when the writer
		// dies first.
		_ = conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		case <-connDone:
			return
		case f := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Msg("[graph] write frame")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			log.Debug().Err(err).Msg("[graph] read frame")
			return
		}
		if f.Op != opPut || f.Path == "" {
			continue
		}
		if c.replica != nil {
			if err := c.replica.Put(f.Path, f.ID, f.Value); err != nil {
				log.Debug().Err(err).Msg("[graph] persist put")
			}
		}
		c.deliver(delivery{path: f.Path, id: f.ID, value: f.Value})
	}
}

func (c *Client) deliver(d delivery) {
	select {
	case c.events <- d:
	case <-c.done:
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case d := <-c.events:
			c.mu.Lock()
			fns := make([]func([]byte, string), 0, len(c.subs[d.path]))
			for _, fn := range c.subs[d.path] {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(d.value, d.id)
			}
		}
	}
}

// enqueue hands a frame to the writer without ever blocking the caller;
// when the buffer is full the oldest pending frame is dropped.
func (c *Client) enqueue(f frame) {
	select {
	case c.sendCh <- f:
	default:
		select {
		case <-c.sendCh:
			log.Debug().Str("op", f.Op).Msg("[graph] send buffer full, dropping oldest")
		default:
		}
		select {
		case c.sendCh <- f:
		default:
		}
	}
}
