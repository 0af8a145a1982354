package graph

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testRelay is a minimal in-process relay: it stores puts per path and
// fans them out to subscribers, replaying the stored set on subscribe.
// Good enough to exercise the client's at-least-once behavior.
type testRelay struct {
	mu     sync.Mutex
	sets   map[string][]frame
	subs   map[*websocket.Conn]map[string]bool
	server *httptest.Server
}

func newTestRelay() *testRelay {
	r := &testRelay{
		sets: make(map[string][]frame),
		subs: make(map[*websocket.Conn]map[string]bool),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.subs[conn] = make(map[string]bool)
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.subs, conn)
			r.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Op {
			case opSub:
				r.mu.Lock()
				r.subs[conn][f.Path] = true
				replay := append([]frame(nil), r.sets[f.Path]...)
				r.mu.Unlock()
				for _, p := range replay {
					_ = conn.WriteJSON(p)
				}
			case opUnsub:
				r.mu.Lock()
				delete(r.subs[conn], f.Path)
				r.mu.Unlock()
			case opPut:
				r.mu.Lock()
				r.sets[f.Path] = append(r.sets[f.Path], f)
				targets := make([]*websocket.Conn, 0, len(r.subs))
				for c, paths := range r.subs {
					if paths[f.Path] {
						targets = append(targets, c)
					}
				}
				r.mu.Unlock()
				for _, c := range targets {
					_ = c.WriteJSON(f)
				}
			}
		}
	}))
	return r
}

func (r *testRelay) url() string {
	return strings.Replace(r.server.URL, "http", "ws", 1)
}

func (r *testRelay) close() { r.server.Close() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOpenRequiresPeers(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Fatal("Open with no peers should fail")
	}
}

func TestNodePaths(t *testing.T) {
	c := &Client{}
	n := c.Get("chats").Get("general")
	if n.Path() != "chats/general" {
		t.Fatalf("path = %q", n.Path())
	}
}

func TestInsertEchoesLocallyAndOverRelay(t *testing.T) {
	relay := newTestRelay()
	defer relay.close()

	c, err := Open([]string{relay.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	var mu sync.Mutex
	var got []string
	node := c.Get("chats").Get("general")
	sub := node.ForEachAndOnChange(func(value []byte, id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})
	defer sub.Cancel()

	id, err := node.Insert(map[string]string{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("insert returned empty delivery id")
	}

	// Local echo is immediate; the relay fans the same put back, so the
	// identifier shows up at least twice. Dedup is the subscriber's job.
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	for _, g := range got {
		if g != id {
			t.Fatalf("unexpected delivery id %q, want %q", g, id)
		}
	}
}

func TestSubscribeReplaysExistingSet(t *testing.T) {
	relay := newTestRelay()
	defer relay.close()

	sender, err := Open([]string{relay.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sender.Close() }()

	id, err := sender.Get("chats").Get("general").Insert(map[string]string{"text": "before"})
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the relay has stored the put.
	waitFor(t, 3*time.Second, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.sets["chats/general"]) == 1
	})

	reader, err := Open([]string{relay.url()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reader.Close() }()

	var mu sync.Mutex
	var got []string
	sub := reader.Get("chats").Get("general").ForEachAndOnChange(func(value []byte, deliveryID string) {
		mu.Lock()
		got = append(got, deliveryID)
		mu.Unlock()
	})
	defer sub.Cancel()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != id {
		t.Fatalf("replayed id = %q, want %q", got[0], id)
	}
}

func TestReplicaReplayOnSubscribe(t *testing.T) {
	rep, err := OpenReplica(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rep.Close() }()
	if err := rep.Put("chats/general", "cached-id", []byte(`{"text":"cached"}`)); err != nil {
		t.Fatal(err)
	}

	// Unreachable peer: only the replica can deliver.
	c, err := Open([]string{"ws://127.0.0.1:0/mesh"}, WithReplica(rep))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	var mu sync.Mutex
	var got []string
	sub := c.Get("chats").Get("general").ForEachAndOnChange(func(value []byte, id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})
	defer sub.Cancel()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "cached-id"
	})
}
