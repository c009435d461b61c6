// Package protocol implements the host side of the sensor's serial control protocol.
// After the start trigger the device streams raw little-endian PCM with no framing;
// the only non-audio bytes that can appear are responses to control commands the
// host itself sent (gain select, status query). ResponseMatcher recognizes and
// strips those responses so only payload reaches frame assembly.
package protocol
