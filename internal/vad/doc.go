// Package vad scores audio frames for speech activity and turns the score
// stream into speech segment events.
//
// Scorer wraps a replaceable Model (the WebRTC detector via libfvad by default)
// and falls back to an RMS energy heuristic when the model cannot be created.
// SegmentTracker is a frame-driven hysteresis state machine with a grace period
// and a minimum speech filter; it never reads the wall clock, so replaying the
// same scores always yields the same events.
package vad
