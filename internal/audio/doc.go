// Package audio turns the raw PCM byte stream into fixed-size frames and
// writes those frames into RIFF/WAV containers.
// FrameAssembler never discards or reorders payload bytes; the only bytes it
// can shed are a trailing partial frame under the drop policy and a dangling
// half sample, and both are counted in its statistics.
package audio
