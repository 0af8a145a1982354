package main

import (
	"encoding/json"
	"time"
)

// Message is the payload published into a room's graph set. Raw text is
// transmitted as-is; escaping happens at render time only.
type Message struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Entry is one rendered transcript line. All fields are already escaped
// and safe to inject into the chat view.
type Entry struct {
	User string `json:"user"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// transcript is the strictly growing visual log of one session. Entries
// are appended in admitted order - feed arrival order, not timestamp
// order - and never reordered or removed until the session ends.
type transcript struct {
	entries []Entry
}

// append renders a raw feed payload into the next transcript entry.
// A payload that does not decode as a Message renders with blank fields
// rather than failing; display problems must never take down the feed
// subscription.
func (t *transcript) append(raw []byte) Entry {
	var m Message
	_ = json.Unmarshal(raw, &m)
	e := Entry{
		User: escapeText(m.User),
		Text: escapeText(m.Text),
		Time: escapeText(formatClock(m.Timestamp)),
	}
	t.entries = append(t.entries, e)
	return e
}

func (t *transcript) clear() {
	t.entries = nil
}

func (t *transcript) snapshot() []Entry {
	return append([]Entry(nil), t.entries...)
}

// formatClock renders an epoch-milliseconds timestamp as a short local
// hour:minute string; a zero timestamp renders empty instead of 1970.
func formatClock(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).Local().Format("15:04")
}
