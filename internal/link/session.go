package link

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/pcm-capture-service/internal/protocol"
)

// Session is the host-side view of one capture run against a device
type Session struct {
	ID        string
	StartedAt time.Time

	mu           sync.RWMutex
	gain         int // -1 until a gain command was sent
	streaming    bool
	status       string
	statusFields map[string]string
	statusAt     time.Time
}

// SessionInfo is a point-in-time copy of a Session
type SessionInfo struct {
	ID             string            `json:"id"`
	StartedAt      time.Time         `json:"started_at"`
	Streaming      bool              `json:"streaming"`
	GainLevel      int               `json:"gain_level"`
	GainMultiplier int               `json:"gain_multiplier,omitempty"`
	Status         map[string]string `json:"status,omitempty"`
	StatusAt       *time.Time        `json:"status_at,omitempty"`
}

// NewSession creates a session with a fresh id and unknown gain
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		gain:      -1,
	}
}

// Gain returns the last gain level sent to the device
func (s *Session) Gain() (level int, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gain, s.gain >= 0
}

// SetGain records a gain level that was written to the device
func (s *Session) SetGain(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = level
}

// Streaming reports whether the device has been triggered on the current connection
func (s *Session) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

// SetStreaming updates the streaming flag
func (s *Session) SetStreaming(streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = streaming
}

// Status returns the last status block received
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus stores a status block and its parsed fields
func (s *Session) SetStatus(block string, at time.Time) {
	fields := protocol.ParseStatus(block)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = block
	s.statusFields = fields
	s.statusAt = at
}

// Info returns a copy of the session state
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:             s.ID,
		StartedAt:      s.StartedAt,
		Streaming:      s.streaming,
		GainLevel:      s.gain,
		GainMultiplier: protocol.GainMultiplier(s.gain),
	}
	if len(s.statusFields) > 0 {
		info.Status = make(map[string]string, len(s.statusFields))
		for k, v := range s.statusFields {
			info.Status[k] = v
		}
		at := s.statusAt
		info.StatusAt = &at
	}
	return info
}
