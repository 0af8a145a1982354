package graph

import "encoding/json"

// Wire operations exchanged with a mesh relay peer. A relay fans every
// accepted put out to all current subscribers of its path and replays the
// full set of a path when a subscription is (re)established, so a client
// may observe the same delivery identifier more than once.
const (
	opPut   = "put"
	opSub   = "sub"
	opUnsub = "unsub"
)

type frame struct {
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	ID    string          `json:"id,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// delivery is one inbound (or locally echoed) set insertion routed to
// subscribers through the dispatch loop.
type delivery struct {
	path  string
	id    string
	value json.RawMessage
}
