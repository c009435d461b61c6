package protocol

import (
	"bytes"
	"time"
)

type matchState int

const (
	stateSearching matchState = iota
	stateCapturing
)

// MatchResult is the outcome of feeding one chunk through a ResponseMatcher
type MatchResult struct {
	Payload  []byte // bytes to forward as audio, in stream order
	Response string // trimmed response text when Matched
	Matched  bool   // the expected response was found and removed
	Done     bool   // the matcher is finished (matched, overflowed or expired)
}

// ResponseMatcher removes one expected device response from the byte stream.
// It is armed after a control command is written and disarmed once the
// response is captured or the deadline passes. Bytes that are not part of the
// response are returned unchanged and in order; a possible partial prefix at
// the end of a chunk is held back until the next chunk decides it.
type ResponseMatcher struct {
	spec     ResponseSpec
	deadline time.Time
	state    matchState
	held     []byte
	captured []byte
}

// NewResponseMatcher arms a matcher for spec that expires at deadline.
func NewResponseMatcher(spec ResponseSpec, deadline time.Time) *ResponseMatcher {
	return &ResponseMatcher{
		spec:     spec,
		deadline: deadline,
		state:    stateSearching,
	}
}

// Feed processes the next chunk read from the link.
func (m *ResponseMatcher) Feed(chunk []byte, now time.Time) MatchResult {
	buf := make([]byte, 0, len(m.held)+len(chunk))
	buf = append(buf, m.held...)
	buf = append(buf, chunk...)
	m.held = nil

	var result MatchResult

	if m.state == stateSearching {
		idx := bytes.Index(buf, m.spec.Prefix)
		if idx < 0 {
			keep := partialPrefixLen(buf, m.spec.Prefix)
			result.Payload = buf[:len(buf)-keep]
			if keep > 0 {
				m.held = append([]byte(nil), buf[len(buf)-keep:]...)
			}
			if now.After(m.deadline) {
				result.Payload = append(result.Payload, m.held...)
				m.held = nil
				result.Done = true
			}
			return result
		}

		result.Payload = buf[:idx]
		m.state = stateCapturing
		m.captured = append(m.captured, buf[idx:]...)
	} else {
		m.captured = append(m.captured, buf...)
	}

	// Capturing: look for the terminator after the prefix
	search := m.captured[len(m.spec.Prefix):]
	if t := bytes.Index(search, m.spec.Terminator); t >= 0 {
		end := len(m.spec.Prefix) + t + len(m.spec.Terminator)
		result.Response = trimResponse(m.captured[:end])
		result.Payload = append(result.Payload, m.captured[end:]...)
		result.Matched = true
		result.Done = true
		m.captured = nil
		return result
	}

	if len(m.captured) > m.spec.MaxLen || now.After(m.deadline) {
		// Not a response after all; hand everything back as payload
		result.Payload = append(result.Payload, m.captured...)
		result.Done = true
		m.captured = nil
	}

	return result
}

// Expire releases held bytes once the deadline has passed. It returns the
// released payload and whether the matcher is finished.
func (m *ResponseMatcher) Expire(now time.Time) ([]byte, bool) {
	if !now.After(m.deadline) {
		return nil, false
	}

	released := append(m.held, m.captured...)
	m.held = nil
	m.captured = nil
	return released, true
}

// Release hands back every held byte regardless of the deadline, for when
// the stream ends before the response could be decided.
func (m *ResponseMatcher) Release() []byte {
	released := append(m.held, m.captured...)
	m.held = nil
	m.captured = nil
	return released
}

// Pending returns the number of bytes currently held back.
func (m *ResponseMatcher) Pending() int {
	return len(m.held) + len(m.captured)
}

// partialPrefixLen returns the length of the longest suffix of buf that is a
// proper prefix of prefix.
func partialPrefixLen(buf, prefix []byte) int {
	limit := len(prefix) - 1
	if limit > len(buf) {
		limit = len(buf)
	}
	for n := limit; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], prefix[:n]) {
			return n
		}
	}
	return 0
}
