package main

import "github.com/altairlab/meshchat/graph"

// Feed is the subscription surface the session controller needs from the
// synchronization layer for one room: publish a value into the room set
// and stream every current and future member back, at-least-once, in no
// particular cross-peer order.
type Feed interface {
	Insert(v any) (string, error)
	Subscribe(fn func(value []byte, id string)) (cancel func())
}

// FeedOpener resolves a room name to its feed.
type FeedOpener func(room string) Feed

// graphFeed adapts a graph node to the Feed interface.
type graphFeed struct {
	node *graph.Node
}

func (f graphFeed) Insert(v any) (string, error) {
	return f.node.Insert(v)
}

func (f graphFeed) Subscribe(fn func(value []byte, id string)) func() {
	sub := f.node.ForEachAndOnChange(fn)
	return sub.Cancel
}

// openGraphFeeds roots every room under the shared "chats" node.
func openGraphFeeds(client *graph.Client) FeedOpener {
	chats := client.Get("chats")
	return func(room string) Feed {
		return graphFeed{node: chats.Get(room)}
	}
}
