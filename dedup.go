package main

// seenSet tracks which delivery identifiers have already been admitted
// during the current session. The feed is at-least-once, so the same
// identifier can show up any number of times; admit answers true for
// exactly the first occurrence. The empty identifier is a regular value
// and is deduplicated like any other.
type seenSet struct {
	ids map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{})}
}

// admit records id and reports whether it was unseen until now.
func (s *seenSet) admit(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// reset drops all recorded identifiers in one step. Called when a
// session ends so the next session starts from an empty set.
func (s *seenSet) reset() {
	s.ids = make(map[string]struct{})
}
