package main

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Controller opens and closes chat sessions. There is one controller per
// process; each browser connection drives at most one live session at a
// time through it.
type Controller struct {
	open FeedOpener
}

func NewController(open FeedOpener) *Controller {
	return &Controller{open: open}
}

// Session binds a username and room to a live feed subscription plus the
// per-session seen-set and transcript. Created by Join, destroyed by
// Leave; none of its state survives the session.
type Session struct {
	Username string
	Room     string

	feed   Feed
	cancel func()
	live   atomic.Bool

	// mu serializes seen-set and transcript mutation. Feed callbacks all
	// arrive on the graph client's dispatch goroutine, but Leave and the
	// UI socket run elsewhere, so the at-most-once admission invariant
	// needs the lock.
	mu   sync.Mutex
	seen *seenSet
	log  *transcript
	emit func(Entry)
}

// Join normalizes the username and room, creates a fresh session and
// subscribes it to the room feed. emit receives each rendered entry as
// it is admitted; it runs on the feed dispatch goroutine and must not
// block. Callers must Leave a previous session before joining again.
func (c *Controller) Join(username, room string, emit func(Entry)) *Session {
	s := &Session{
		Username: normalizeNickname(username),
		Room:     normalizeRoom(room),
		seen:     newSeenSet(),
		log:      &transcript{},
		emit:     emit,
	}
	s.feed = c.open(s.Room)
	s.live.Store(true)
	s.cancel = s.feed.Subscribe(s.onDelivery)
	metricSessions.Inc()
	log.Info().Str("user", s.Username).Str("room", s.Room).Msg("[chat] joined")
	return s
}

// onDelivery is the feed pipeline: liveness check, tombstone skip,
// dedup, render. Unsubscription is not synchronous, so a callback may
// still fire after Leave; the liveness flag makes it a no-op.
func (s *Session) onDelivery(value []byte, id string) {
	if !s.live.Load() {
		return
	}
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		metricTombstones.Inc()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live.Load() {
		return
	}
	if !s.seen.admit(id) {
		metricDuplicates.Inc()
		return
	}
	metricAdmitted.Inc()
	e := s.log.append(value)
	if s.emit != nil {
		s.emit(e)
	}
}

// Send publishes text to the room with the session's username and the
// current wall clock. Whitespace-only input is a silent no-op. The
// insert is fire-and-forget; no acknowledgment is awaited and the raw
// text goes out unescaped.
func (s *Session) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m := Message{User: s.Username, Text: text, Timestamp: time.Now().UnixMilli()}
	if _, err := s.feed.Insert(m); err != nil {
		log.Debug().Err(err).Str("room", s.Room).Msg("[chat] publish")
	}
}

// Transcript returns a copy of the rendered log in admitted order.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// Leave cancels the subscription and discards the seen-set and
// transcript. Safe to call more than once.
func (s *Session) Leave() {
	if !s.live.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	s.seen.reset()
	s.log.clear()
	s.mu.Unlock()
	metricSessions.Dec()
	log.Info().Str("user", s.Username).Str("room", s.Room).Msg("[chat] left")
}
