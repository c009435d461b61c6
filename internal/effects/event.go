package effects

import (
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

// Event is the published form of a segment boundary
type Event struct {
	Timestamp  string `json:"timestamp"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id,omitempty"`
	Event      string `json:"event"`
	Source     string `json:"source"`
	StartMs    int64  `json:"start_ms"`
	EndMs      *int64 `json:"end_ms,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	Forced     bool   `json:"forced,omitempty"`

	Segment vad.SegmentEvent `json:"-"`
}

// IsStart reports whether the event opens a segment
func (e Event) IsStart() bool {
	return e.Segment.Kind == vad.EventStart
}

// newEvent converts a tracker event into stream-time milliseconds
func newEvent(ev vad.SegmentEvent, frameDuration time.Duration, deviceID, sessionID, source string, now time.Time) Event {
	out := Event{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Event:     ev.Kind.String(),
		Source:    source,
		Forced:    ev.Forced,
		Segment:   ev,
	}

	if ev.Kind == vad.EventEnd {
		start := (ev.Offset(frameDuration) - ev.Length(frameDuration)).Milliseconds()
		end := ev.Offset(frameDuration).Milliseconds()
		duration := ev.Length(frameDuration).Milliseconds()
		out.StartMs = start
		out.EndMs = &end
		out.DurationMs = &duration
		return out
	}

	out.StartMs = ev.Offset(frameDuration).Milliseconds()
	return out
}
